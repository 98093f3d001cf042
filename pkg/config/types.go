package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
)

// ExperimentFile is the decoded form of an experiment description.
type ExperimentFile struct {
	// Name identifies the experiment in reports and the store.
	Name string `json:"name" yaml:"name" validate:"required,max=128"`

	// Settings tunes the controller.
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Resources are added to the controller in file order.
	Resources []ResourceConfig `json:"resources" yaml:"resources" validate:"dive"`

	// Connections are added after every resource exists.
	Connections []ConnectionConfig `json:"connections,omitempty" yaml:"connections,omitempty" validate:"dive"`

	// Source is the file the experiment was read from.
	Source string `json:"-" yaml:"-"`
}

// Settings maps to engine.ControllerConfig. Durations use time.ParseDuration
// syntax ("30s", "1m30s"). Zero values keep the controller defaults.
type Settings struct {
	Timeout                 string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
	RescheduleDelay         string `json:"reschedule_delay,omitempty" yaml:"reschedule_delay,omitempty" validate:"omitempty,duration"`
	DrainTimeout            string `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty" validate:"omitempty,duration"`
	Workers                 int    `json:"workers,omitempty" yaml:"workers,omitempty" validate:"omitempty,min=1,max=1024"`
	FailOnBlockedDependency bool   `json:"fail_on_blocked_dependency,omitempty" yaml:"fail_on_blocked_dependency,omitempty"`
}

// ResourceConfig declares one resource.
type ResourceConfig struct {
	// Name is unique within the file and used by connections.
	Name string `json:"name" yaml:"name" validate:"required,resource_name"`

	// Type is a registered resource type tag (e.g. "dummy::Node").
	Type string `json:"type" yaml:"type" validate:"required,resource_type"`

	// Attributes are passed to AddResource as is.
	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ConnectionConfig connects two resources by name. Which side waits for the
// other follows from the registered type dependencies.
type ConnectionConfig struct {
	From string `json:"from" yaml:"from" validate:"required,nefield=To"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// Apply overrides the fields of cfg that s sets.
func (s Settings) Apply(cfg *engine.ControllerConfig) error {
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"timeout", s.Timeout, &cfg.Timeout},
		{"reschedule_delay", s.RescheduleDelay, &cfg.RescheduleDelay},
		{"drain_timeout", s.DrainTimeout, &cfg.DrainTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("settings.%s: %w", d.name, err)
		}
		*d.dst = v
	}

	if s.Workers > 0 {
		cfg.Workers = s.Workers
	}
	if s.FailOnBlockedDependency {
		cfg.FailOnBlockedDependency = true
	}
	return nil
}

// ControllerConfig returns the defaults overridden by the file settings.
func (f *ExperimentFile) ControllerConfig() (engine.ControllerConfig, error) {
	cfg := engine.DefaultControllerConfig()
	cfg.Name = f.Name
	if err := f.Settings.Apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Resource returns the declaration with the given name.
func (f *ExperimentFile) Resource(name string) (ResourceConfig, bool) {
	for _, rc := range f.Resources {
		if rc.Name == name {
			return rc, true
		}
	}
	return ResourceConfig{}, false
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "resources[2].name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var sb strings.Builder
	if e.File != "" {
		sb.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&sb, ":%d:%d", e.Line, e.Column)
		}
		sb.WriteString(": ")
	}
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// ValidationErrors collects every problem found in one file.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("%d validation errors:\n  %s", len(e), strings.Join(msgs, "\n  "))
}
