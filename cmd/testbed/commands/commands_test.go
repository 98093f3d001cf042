package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    []string
	}{
		{
			name: "valid",
			args: []string{"validate", "testdata/lab.yaml"},
			want: []string{"testdata/lab.yaml: ok (3 resources, 2 connections, 2 waves, 5 policies)"},
		},
		{
			name:    "attribute out of range",
			args:    []string{"validate", "testdata/bad-mtu.yaml"},
			wantErr: true,
			want:    []string{`resource "eth0"`, "mtu"},
		},
		{
			name:    "denied by policy",
			args:    []string{"validate", "--policy", "testdata/policies", "testdata/big-node.yaml"},
			wantErr: true,
			want:    []string{"denied by policy", "[error] max-cores", "asks for 128 cores"},
		},
		{
			name: "allowed without the extra policy",
			args: []string{"validate", "testdata/big-node.yaml"},
			want: []string{"ok (1 resources"},
		},
		{
			name:    "schema problems",
			args:    []string{"validate", "../../../pkg/config/testdata/invalid.yaml"},
			wantErr: true,
			want:    []string{"7 problems"},
		},
		{
			name:    "missing file",
			args:    []string{"validate", "testdata/missing.yaml"},
			wantErr: true,
			want:    []string{"failed to stat"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			if err != nil && !errors.Is(err, errInvalid) {
				t.Errorf("err = %v, want errInvalid", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output does not contain %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestPlan(t *testing.T) {
	out, err := execute(t, "plan", "testdata/lab.yaml")
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	for _, want := range []string{
		"Experiment lab: 3 resources in 2 waves",
		"Wave 0:\n  node",
		"eth0                 dummy::Interface <- node",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestPlan_JSON(t *testing.T) {
	out, err := execute(t, "plan", "--json", "testdata/lab.yaml")
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}

	var plan []planWave
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(plan) != 2 {
		t.Fatalf("got %d waves, want 2", len(plan))
	}

	var second []string
	for _, r := range plan[1].Resources {
		second = append(second, r.Name)
		if len(r.DependsOn) != 1 || r.DependsOn[0] != "node" {
			t.Errorf("%s depends on %v, want [node]", r.Name, r.DependsOn)
		}
	}
	if strings.Join(second, ",") != "app,eth0" {
		t.Errorf("wave 1 = %v, want [app eth0]", second)
	}
}

func TestGraph(t *testing.T) {
	out, err := execute(t, "graph", "testdata/lab.yaml")
	if err != nil {
		t.Fatalf("graph error = %v", err)
	}
	for _, want := range []string{"// experiment lab", "// #1 node", "// #3 app", "digraph Experiment {"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestRunAndStatus(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")

	out, err := execute(t, "run", "--json", "--db", db, "testdata/lab.yaml")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	var report engine.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid report JSON: %v\n%s", err, out)
	}
	if report.Status != engine.ExperimentStatusReady || report.Summary.Ready != 3 {
		t.Fatalf("report = %+v", report)
	}

	out, err = execute(t, "status", "--db", db)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, report.ExperimentID) || !strings.Contains(out, "3/3") {
		t.Errorf("status list:\n%s", out)
	}

	out, err = execute(t, "status", "--db", db, "--json", "--transitions", "--events", report.ExperimentID)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	var view statusView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("invalid status JSON: %v\n%s", err, out)
	}
	if view.Experiment.Status != engine.ExperimentStatusReady {
		t.Errorf("stored status = %s", view.Experiment.Status)
	}
	if len(view.Snapshots) != 3 {
		t.Errorf("got %d snapshots, want 3", len(view.Snapshots))
	}
	for _, s := range view.Snapshots {
		if s.Type == "dummy::Application" && s.Attributes["stdout"] != "node$ echo hello" {
			t.Errorf("app stdout = %v", s.Attributes["stdout"])
		}
	}
	// new -> discovering -> provisioning -> ready for every resource.
	if len(view.Transitions) < 9 {
		t.Errorf("got %d transitions, want at least 9", len(view.Transitions))
	}
	if len(view.Events) == 0 {
		t.Error("no events recorded")
	}

	out, err = execute(t, "status", "--db", db, report.ExperimentID)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "status:      ready") || !strings.Contains(out, "stdout=node$ echo hello") {
		t.Errorf("status output:\n%s", out)
	}

	if _, err := execute(t, "status", "--db", db, "missing"); err == nil {
		t.Error("status of an unknown experiment should fail")
	}
}

func TestRun_Failure(t *testing.T) {
	out, err := execute(t, "run", "--no-store", "testdata/broken-node.yaml")
	if err == nil {
		t.Fatalf("run should fail:\n%s", out)
	}
	if !strings.Contains(err.Error(), "finished failed") {
		t.Errorf("err = %v", err)
	}
	for _, want := range []string{"0 ready, 2 failed", "injected failure", "DEPENDENCY_FAILED"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestRun_DeniedByPolicy(t *testing.T) {
	out, err := execute(t, "run", "--no-store", "--policy", "testdata/policies", "testdata/big-node.yaml")
	if err == nil || !strings.Contains(err.Error(), "denied by 1 policy violations") {
		t.Fatalf("err = %v\n%s", err, out)
	}
	if !strings.Contains(out, "Policy violations:") {
		t.Errorf("output:\n%s", out)
	}
}

func TestWatchPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exp.yaml")
	if err := os.WriteFile(path, []byte("name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(dir, "other.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- watchPath(ctx, path, func() { changes <- struct{}{} })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("name: b\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	// The burst of writes is reported once.
	select {
	case <-changes:
		t.Error("burst reported more than once")
	case <-time.After(2 * watchDebounce):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watchPath() error = %v", err)
	}
}

func TestWatchPath_Missing(t *testing.T) {
	err := watchPath(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), func() {})
	if err == nil {
		t.Error("watching a missing path should fail")
	}
}

func TestRun_EventLogAndReplay(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "lab.jsonl")

	if out, err := execute(t, "run", "--no-store", "--event-log", logPath, "testdata/lab.yaml"); err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}

	out, err := execute(t, "replay", logPath)
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	for _, want := range []string{
		"Experiment lab (",
		"experiment.started",
		"resource.state_changed",
		"experiment.completed",
		"ready (3/3 ready, 0 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "replay", "--level", "error", logPath)
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if strings.Contains(out, "resource.state_changed") {
		t.Errorf("info events shown at level error:\n%s", out)
	}

	if _, err := execute(t, "replay", "testdata/lab.yaml"); err == nil {
		t.Error("replaying a non-log file should fail")
	}
}
