package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	return l
}

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("error %v (%T) is not ValidationErrors", err, err)
	}
	return errs
}

func hasError(errs ValidationErrors, path, fragment string) bool {
	for _, e := range errs {
		if e.Path == path && strings.Contains(e.Message, fragment) {
			return true
		}
	}
	return false
}

func TestLoad_YAML(t *testing.T) {
	file, err := Load("testdata/ping.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if file.Name != "ping" {
		t.Errorf("Name = %q, want ping", file.Name)
	}
	if file.Source != "testdata/ping.yaml" {
		t.Errorf("Source = %q", file.Source)
	}
	if len(file.Resources) != 6 {
		t.Fatalf("len(Resources) = %d, want 6", len(file.Resources))
	}
	if len(file.Connections) != 5 {
		t.Errorf("len(Connections) = %d, want 5", len(file.Connections))
	}

	n1, ok := file.Resource("n1")
	if !ok {
		t.Fatal("Resource(n1) not found")
	}
	if n1.Type != "dummy::Node" {
		t.Errorf("n1 type = %q", n1.Type)
	}
	if n1.Attributes["cores"] != 2 {
		t.Errorf("n1 cores = %#v, want 2", n1.Attributes["cores"])
	}
	if _, ok := file.Resource("ghost"); ok {
		t.Error("Resource(ghost) should not be found")
	}

	if file.Settings.Timeout != "30s" || file.Settings.Workers != 4 {
		t.Errorf("Settings = %+v", file.Settings)
	}
}

func TestLoad_JSON(t *testing.T) {
	file, err := Load("testdata/ping.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(file.Resources) != 2 || len(file.Connections) != 1 {
		t.Fatalf("got %d resources and %d connections", len(file.Resources), len(file.Connections))
	}
	if !file.Settings.FailOnBlockedDependency {
		t.Error("FailOnBlockedDependency should be set")
	}
}

func TestLoad_CUE(t *testing.T) {
	file, err := Load("testdata/star.cue")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if file.Name != "star" {
		t.Errorf("Name = %q, want star", file.Name)
	}
	wantNames := []string{"hub", "app-a", "app-b", "app-c"}
	if len(file.Resources) != len(wantNames) {
		t.Fatalf("len(Resources) = %d, want %d", len(file.Resources), len(wantNames))
	}
	for i, name := range wantNames {
		if file.Resources[i].Name != name {
			t.Errorf("Resources[%d].Name = %q, want %q", i, file.Resources[i].Name, name)
		}
	}
	if got := file.Resources[2].Attributes["command"]; got != "iperf -c b" {
		t.Errorf("app-b command = %v", got)
	}
	if len(file.Connections) != 3 || file.Connections[0].To != "hub" {
		t.Errorf("Connections = %+v", file.Connections)
	}
	if file.Settings.Workers != 16 || file.Settings.Timeout != "1m" {
		t.Errorf("Settings = %+v", file.Settings)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		contains string
	}{
		{"missing file", "testdata/missing.yaml", "failed to stat"},
		{"unsupported extension", "testdata/../doc.go", "unsupported experiment file"},
		{"unknown yaml field", "testdata/unknown_field.yaml", "attribute"},
		{"closed cue schema", "testdata/closed.cue", "colour"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error = %v, want it to contain %q", err, tt.contains)
			}
		})
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	_, err := Load("testdata/invalid.yaml")
	if err == nil {
		t.Fatal("Load() should fail")
	}
	errs := validationErrors(t, err)

	want := []struct{ path, fragment string }{
		{"settings.timeout", "invalid duration"},
		{"settings.workers", "at most 1024"},
		{"resources[0].type", "invalid resource type"},
		{"resources[1].name", "duplicate resource name"},
		{"resources[2].name", "invalid resource name"},
		{"connections[0].from", "must differ"},
		{"connections[1].to", "unknown resource \"ghost\""},
	}
	for _, w := range want {
		if !hasError(errs, w.path, w.fragment) {
			t.Errorf("missing error %s: %s", w.path, w.fragment)
		}
	}
	if len(errs) != len(want) {
		t.Errorf("got %d errors, want %d:\n%v", len(errs), len(want), errs)
	}
	for _, e := range errs {
		if e.File != "testdata/invalid.yaml" {
			t.Errorf("error %v has file %q", e, e.File)
		}
	}
}

func TestParseYAML_Empty(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.ParseYAML(nil, "empty.yaml")
	errs := validationErrors(t, err)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "empty") {
		t.Errorf("errs = %v", errs)
	}
}

func TestParseYAML_MissingFields(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.ParseYAML([]byte("resources:\n  - type: dummy::Node\n"), "x.yaml")
	errs := validationErrors(t, err)
	if !hasError(errs, "name", "is required") {
		t.Errorf("missing experiment name error in %v", errs)
	}
	if !hasError(errs, "resources[0].name", "is required") {
		t.Errorf("missing resource name error in %v", errs)
	}
}

func TestParseCUE_Errors(t *testing.T) {
	l := newTestLoader(t)

	tests := []struct {
		name     string
		content  string
		contains string
	}{
		{
			name:     "syntax",
			content:  "name: \"x\"\nresources: [\n",
			contains: "",
		},
		{
			name:     "bad type tag",
			content:  `name: "x", resources: [{name: "n", type: "Node"}]`,
			contains: "type",
		},
		{
			name:     "bad duration",
			content:  `name: "x", settings: timeout: "forever", resources: []`,
			contains: "timeout",
		},
		{
			name:     "attribute of wrong kind",
			content:  `name: "x", resources: [{name: "n", type: "dummy::Node", attributes: cores: 1.5}]`,
			contains: "cores",
		},
		{
			name:     "not concrete",
			content:  `name: string, resources: []`,
			contains: "name",
		},
		{
			name:     "unknown connection end",
			content:  `name: "x", resources: [{name: "n", type: "dummy::Node"}], connections: [{from: "n", to: "m"}]`,
			contains: "unknown resource",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ParseCUE([]byte(tt.content), "inline.cue")
			errs := validationErrors(t, err)
			if len(errs) == 0 {
				t.Fatal("expected at least one error")
			}
			if !strings.Contains(errs.Error(), tt.contains) {
				t.Errorf("errors = %v, want mention of %q", errs, tt.contains)
			}
		})
	}
}

func TestParseCUE_Positions(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.ParseCUE([]byte("name: \"x\"\nresources: [{name: \"n\", type: \"Node\"}]\n"), "pos.cue")
	errs := validationErrors(t, err)

	found := false
	for _, e := range errs {
		if e.File == "pos.cue" && e.Line == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("no error positioned at pos.cue:2 in %v", errs)
	}
}

func TestLoad_CUEDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"experiment.cue": "package exp\n\nname: \"split\"\nsettings: timeout: \"10s\"\n",
		"resources.cue":  "package exp\n\nresources: [{name: \"n1\", type: \"dummy::Node\"}]\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	file, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if file.Name != "split" || len(file.Resources) != 1 || file.Settings.Timeout != "10s" {
		t.Errorf("file = %+v", file)
	}
}

func TestSettings_Apply(t *testing.T) {
	cfg := engine.DefaultControllerConfig()
	s := Settings{Timeout: "1m30s", RescheduleDelay: "25ms", Workers: 3, FailOnBlockedDependency: true}
	if err := s.Apply(&cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if cfg.Timeout != 90*time.Second {
		t.Errorf("Timeout = %s", cfg.Timeout)
	}
	if cfg.RescheduleDelay != 25*time.Millisecond {
		t.Errorf("RescheduleDelay = %s", cfg.RescheduleDelay)
	}
	if cfg.DrainTimeout != engine.DefaultControllerConfig().DrainTimeout {
		t.Errorf("DrainTimeout = %s, want the default", cfg.DrainTimeout)
	}
	if cfg.Workers != 3 || !cfg.FailOnBlockedDependency {
		t.Errorf("cfg = %+v", cfg)
	}

	if err := (Settings{DrainTimeout: "later"}).Apply(&cfg); err == nil {
		t.Error("Apply() should reject a bad duration")
	}
}

func TestExperimentFile_ControllerConfig(t *testing.T) {
	file := &ExperimentFile{Name: "exp", Settings: Settings{Timeout: "2s"}}
	cfg, err := file.ControllerConfig()
	if err != nil {
		t.Fatalf("ControllerConfig() error = %v", err)
	}
	if cfg.Name != "exp" || cfg.Timeout != 2*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Workers != engine.DefaultControllerConfig().Workers {
		t.Errorf("Workers = %d, want the default", cfg.Workers)
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{Message: "boom"}, "boom"},
		{ValidationError{File: "a.cue", Line: 3, Column: 7, Path: "name", Message: "boom"}, "a.cue:3:7: name: boom"},
		{ValidationError{File: "a.yaml", Path: "resources[0].type", Message: "boom"}, "a.yaml: resources[0].type: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}

	errs := ValidationErrors{{Message: "a"}, {Message: "b"}}
	if got := errs.Error(); got != "2 validation errors:\n  a\n  b" {
		t.Errorf("ValidationErrors.Error() = %q", got)
	}
}
