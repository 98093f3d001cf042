package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Experiment is the persisted summary of one experiment run.
type Experiment struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Status      engine.ExperimentStatus `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Duration    time.Duration           `json:"duration"`
	Total       int                     `json:"total"`
	Ready       int                     `json:"ready"`
	Failed      int                     `json:"failed"`
	Reschedules int                     `json:"reschedules"`
	Error       *string                 `json:"error,omitempty"`
	Report      string                  `json:"report"` // JSON blob
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// DecodeReport decodes the stored report.
func (e *Experiment) DecodeReport() (*engine.Report, error) {
	var report engine.Report
	if err := json.Unmarshal([]byte(e.Report), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Event is a persisted telemetry event.
type Event struct {
	ID           string    `json:"id"`
	ExperimentID *string   `json:"experiment_id,omitempty"`
	ResourceID   *string   `json:"resource_id,omitempty"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Data         *string   `json:"data,omitempty"` // JSON blob
	Timestamp    time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	engine.Recorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Experiment operations
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error

	// Transition and snapshot operations
	ListTransitions(ctx context.Context, experimentID string, resourceID *engine.ResourceID) ([]engine.Transition, error)
	ListSnapshots(ctx context.Context, experimentID string) ([]engine.ResourceSnapshot, error)

	// Event operations
	AppendEvent(ctx context.Context, event telemetry.Event) error
	ListEvents(ctx context.Context, experimentID *string, level *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
