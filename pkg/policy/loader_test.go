package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/testbed/pkg/config"
)

func TestLoader_LoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policies, err := loader.LoadFromPaths(context.Background(), []string{"testdata/policies"})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2 (README.txt is skipped)", len(policies))
	}

	cores := policies[0]
	if cores.Name != "max-cores" {
		t.Errorf("policies[0].Name = %q, want max-cores", cores.Name)
	}
	if cores.Severity != SeverityError {
		t.Errorf("Severity = %q, want error from the header comment", cores.Severity)
	}
	if cores.Description != "Nodes may not ask for more than 64 cores." {
		t.Errorf("Description = %q", cores.Description)
	}
	if cores.Source != filepath.Join("testdata", "policies", "max-cores.rego") || !cores.Enabled {
		t.Errorf("policy = %+v", cores)
	}

	fail := policies[1]
	if fail.Name != "no-failure-injection" || fail.Severity != SeverityWarning || !fail.Enabled {
		t.Errorf("json policy = %+v", fail)
	}
}

func TestLoader_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	badJSON := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badJSON, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(other, []byte("# notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		paths []string
	}{
		{"missing path", []string{filepath.Join(dir, "missing")}},
		{"malformed json", []string{badJSON}},
		{"directory with malformed json", []string{dir}},
		{"unsupported file", []string{other}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.LoadFromPaths(context.Background(), tt.paths); err == nil {
				t.Error("LoadFromPaths() should fail")
			}
		})
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		content      string
		wantDesc     string
		wantSeverity Severity
	}{
		{"package x", "", SeverityWarning},
		{"# one\n# two\n\npackage x", "one two", SeverityWarning},
		{"# severity: info\n# checks things\npackage x", "checks things", SeverityInfo},
		{"\n\n# late\npackage x\n# ignored", "late", SeverityWarning},
	}
	for _, tt := range tests {
		desc, sev := parseHeader(tt.content)
		if desc != tt.wantDesc || sev != tt.wantSeverity {
			t.Errorf("parseHeader(%q) = %q, %q; want %q, %q", tt.content, desc, sev, tt.wantDesc, tt.wantSeverity)
		}
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.LoadPolicies(ctx, []string{"testdata/policies"}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if len(eng.ListPolicies()) != 7 {
		t.Errorf("ListPolicies() = %d policies, want 5 builtins + 2 loaded", len(eng.ListPolicies()))
	}

	file := cleanExperiment()
	file.Resources[0].Attributes["cores"] = 128
	file.Resources[1].Attributes["fail"] = "provision"

	result, err := eng.Evaluate(ctx, file)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v := violationsOf(result, "max-cores"); len(v) != 1 || v[0].Resource != "n1" {
		t.Errorf("max-cores violations = %+v", v)
	}
	if v := violationsOf(result, "no-failure-injection"); len(v) != 1 {
		t.Errorf("no-failure-injection violations = %+v", v)
	}
	if result.Allowed {
		t.Error("max-cores is an error and should deny admission")
	}
}

func TestEngine_LoadPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.LoadPolicies(context.Background(), []string{"testdata/policies", "testdata/broken"}); err == nil {
		t.Fatal("LoadPolicies() should fail on a syntax error")
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("a failed load should not add policies, have %d", len(eng.ListPolicies()))
	}
}

func TestEngine_LoadedPolicyWithConfig(t *testing.T) {
	file, err := config.Load("../config/testdata/ping.yaml")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{"testdata/policies"}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	result, err := eng.Evaluate(context.Background(), file)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("ping.yaml should be admitted, blocking = %+v", result.Blocking())
	}
}
