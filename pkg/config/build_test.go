package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/plugins/dummy"
)

func newDummyController(t *testing.T, file *ExperimentFile) *engine.Controller {
	t.Helper()

	reg := engine.NewRegistry()
	if err := dummy.Register(reg, dummy.Options{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	cfg, err := file.ControllerConfig()
	if err != nil {
		t.Fatalf("ControllerConfig() error = %v", err)
	}
	cfg.RescheduleDelay = 10 * time.Millisecond

	ctrl, err := engine.NewController(cfg, reg)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func TestBuild_Run(t *testing.T) {
	file, err := Load("testdata/ping.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctrl := newDummyController(t, file)

	ids, err := Build(ctrl, file)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(ids) != 6 {
		t.Fatalf("len(ids) = %d, want 6", len(ids))
	}
	for i, rc := range file.Resources {
		if ids[rc.Name] != engine.ResourceID(i+1) {
			t.Errorf("ids[%s] = %d, want %d", rc.Name, ids[rc.Name], i+1)
		}
	}

	hostname, err := ctrl.GetAttribute(ids["n2"], "hostname")
	if err != nil || hostname != "n2" {
		t.Errorf("n2 hostname = %v, %v", hostname, err)
	}
	if got := ctrl.Connected(ids["link"], dummy.TypeInterface); len(got) != 2 {
		t.Errorf("link interfaces = %v, want 2", got)
	}

	report, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Ready() {
		t.Errorf("report = %s, want ready", report)
	}

	names := Names(ids)
	if names[ids["ping"]] != "ping" || len(names) != len(ids) {
		t.Errorf("Names() = %v", names)
	}
}

func TestBuild_CUE(t *testing.T) {
	file, err := Load("testdata/star.cue")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctrl := newDummyController(t, file)

	ids, err := Build(ctrl, file)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	levels := ctrl.Graph().Levels()
	if len(levels) != 2 || len(levels[0]) != 1 || levels[0][0] != ids["hub"] || len(levels[1]) != 3 {
		t.Errorf("Levels() = %v", levels)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name     string
		file     *ExperimentFile
		wantCode string
		contains string
	}{
		{
			name: "unknown type",
			file: &ExperimentFile{Name: "x", Resources: []ResourceConfig{
				{Name: "a", Type: "ns3::Node"},
			}},
			wantCode: engine.ErrCodeUnknownType,
			contains: `resource "a"`,
		},
		{
			name: "bad attribute",
			file: &ExperimentFile{Name: "x", Resources: []ResourceConfig{
				{Name: "a", Type: string(dummy.TypeNode), Attributes: map[string]interface{}{"cores": "many"}},
			}},
			wantCode: engine.ErrCodeInvalidAttribute,
			contains: `resource "a"`,
		},
		{
			name: "duplicate name",
			file: &ExperimentFile{Name: "x", Resources: []ResourceConfig{
				{Name: "a", Type: string(dummy.TypeNode)},
				{Name: "a", Type: string(dummy.TypeNode)},
			}},
			contains: "duplicate resource name",
		},
		{
			name: "unknown connection end",
			file: &ExperimentFile{
				Name:        "x",
				Resources:   []ResourceConfig{{Name: "a", Type: string(dummy.TypeNode)}},
				Connections: []ConnectionConfig{{From: "a", To: "b"}},
			},
			contains: `unknown resource "b"`,
		},
		{
			name: "self connection",
			file: &ExperimentFile{
				Name: "x",
				Resources: []ResourceConfig{
					{Name: "n", Type: string(dummy.TypeNode)},
				},
				Connections: []ConnectionConfig{{From: "n", To: "n"}},
			},
			contains: "connection n -> n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newDummyController(t, tt.file)
			_, err := Build(ctrl, tt.file)
			if err == nil {
				t.Fatal("Build() should fail")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error = %v, want it to contain %q", err, tt.contains)
			}
			if tt.wantCode != "" && engine.ErrorCode(err) != tt.wantCode {
				t.Errorf("ErrorCode() = %q, want %q", engine.ErrorCode(err), tt.wantCode)
			}
		})
	}
}

func TestBuild_AfterRun(t *testing.T) {
	file := &ExperimentFile{Name: "x", Resources: []ResourceConfig{{Name: "a", Type: string(dummy.TypeNode)}}}
	ctrl := newDummyController(t, file)
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, err := Build(ctrl, file)
	if !errors.Is(err, engine.ErrExperimentAlreadyStarted) {
		t.Errorf("Build() error = %v, want ErrExperimentAlreadyStarted", err)
	}
}
