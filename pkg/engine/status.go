package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceState represents the lifecycle state of an experiment resource.
type ResourceState string

const (
	// StateNew indicates the resource is registered but deployment has not begun.
	StateNew ResourceState = "new"

	// StateDiscovering indicates the type's discover step is running.
	StateDiscovering ResourceState = "discovering"

	// StateProvisioning indicates the type's provision step is running.
	StateProvisioning ResourceState = "provisioning"

	// StateReady indicates the resource is deployed and usable.
	StateReady ResourceState = "ready"

	// StateFailed indicates deployment failed or did not finish in time.
	StateFailed ResourceState = "failed"
)

// IsTerminal returns true if the state is final.
func (s ResourceState) IsTerminal() bool {
	return s == StateReady || s == StateFailed
}

// IsDeploying returns true while a deploy step is in progress.
func (s ResourceState) IsDeploying() bool {
	return s == StateDiscovering || s == StateProvisioning
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	switch s {
	case StateNew, StateDiscovering, StateProvisioning, StateReady, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %s", s)
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
// Self-loops are legal for non-terminal states (rescheduling).
func (s ResourceState) CanTransition(next ResourceState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed || next == s {
		return true
	}
	switch s {
	case StateNew:
		return next == StateDiscovering
	case StateDiscovering:
		return next == StateProvisioning
	case StateProvisioning:
		return next == StateReady
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ResourceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceState(str)
	return s.Validate()
}

// ExperimentStatus represents the overall outcome of an experiment run.
type ExperimentStatus string

const (
	// ExperimentStatusPending indicates the experiment has not been run yet.
	ExperimentStatusPending ExperimentStatus = "pending"

	// ExperimentStatusRunning indicates resources are being deployed.
	ExperimentStatusRunning ExperimentStatus = "running"

	// ExperimentStatusReady indicates every resource reached the ready state.
	ExperimentStatusReady ExperimentStatus = "ready"

	// ExperimentStatusPartial indicates some resources are ready and some failed.
	ExperimentStatusPartial ExperimentStatus = "partial"

	// ExperimentStatusFailed indicates no resource reached the ready state.
	ExperimentStatusFailed ExperimentStatus = "failed"
)

// IsTerminal returns true if the experiment status represents a final state.
func (s ExperimentStatus) IsTerminal() bool {
	return s == ExperimentStatusReady || s == ExperimentStatusPartial ||
		s == ExperimentStatusFailed
}

// Validate checks if the experiment status is valid.
func (s ExperimentStatus) Validate() error {
	switch s {
	case ExperimentStatusPending, ExperimentStatusRunning, ExperimentStatusReady,
		ExperimentStatusPartial, ExperimentStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid experiment status: %s", s)
	}
}

// ConnectionKind distinguishes dependency edges from purely topological ones.
type ConnectionKind string

const (
	// ConnectionDependency means the source must wait for the target to be ready.
	ConnectionDependency ConnectionKind = "dependency"

	// ConnectionTopological records attachment without ordering (e.g. interface to channel).
	ConnectionTopological ConnectionKind = "topological"
)
