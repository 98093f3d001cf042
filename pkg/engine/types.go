package engine

import (
	"strconv"
	"time"
)

// ResourceID identifies a resource within one controller. IDs are assigned
// sequentially starting at 1.
type ResourceID int64

// String returns the decimal form of the id.
func (id ResourceID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ResourceType is the closed tag naming a resource kind (e.g. "dummy::Application").
type ResourceType string

// AttributeType is the semantic type of an attribute value.
type AttributeType string

const (
	// AttributeString holds a string value.
	AttributeString AttributeType = "string"

	// AttributeInt holds an integer value, stored as int.
	AttributeInt AttributeType = "int"

	// AttributeBool holds a boolean value.
	AttributeBool AttributeType = "bool"

	// AttributeEnum holds a string restricted to AttributeSpec.Allowed.
	AttributeEnum AttributeType = "enum"
)

// AttributeFlags controls when an attribute may change.
type AttributeFlags uint8

const (
	// FlagDesignOnly attributes may only be set before the experiment starts.
	FlagDesignOnly AttributeFlags = 0

	// FlagRuntime attributes may also be set while the experiment runs.
	FlagRuntime AttributeFlags = 1
)

// AttributeSpec describes one configuration option of a resource type.
type AttributeSpec struct {
	// Name is the attribute key.
	Name string `json:"name" validate:"required"`

	// Type is the semantic value type.
	Type AttributeType `json:"type" validate:"required,oneof=string int bool enum"`

	// Default is used when the attribute is not supplied at registration.
	// A nil default leaves the attribute unset.
	Default interface{} `json:"default,omitempty"`

	// Allowed lists the permitted values of an enum attribute.
	Allowed []string `json:"allowed,omitempty" validate:"required_if=Type enum"`

	// Flags controls mutability.
	Flags AttributeFlags `json:"flags"`

	// Constraint is an optional validator tag applied to the value (e.g. "min=1").
	Constraint string `json:"constraint,omitempty"`

	// Help is a human readable description.
	Help string `json:"help,omitempty"`
}

// Runtime reports whether the attribute may be set after the experiment started.
func (s *AttributeSpec) Runtime() bool {
	return s.Flags&FlagRuntime != 0
}

// Connection is a recorded relationship between two resources. Kind is
// relative to From: a dependency connection means From waits for To.
type Connection struct {
	From ResourceID     `json:"from"`
	To   ResourceID     `json:"to"`
	Kind ConnectionKind `json:"kind"`
}

// ScheduledTask is a pending deploy attempt for a resource.
type ScheduledTask struct {
	// ResourceID is the target resource.
	ResourceID ResourceID

	// Due is the earliest execution time.
	Due time.Time

	// Attempt counts how many times the resource was submitted.
	Attempt int

	seq   uint64
	index int
}

// ResourceSnapshot is a point-in-time copy of a resource for diagnostics.
type ResourceSnapshot struct {
	ID          ResourceID             `json:"id"`
	Type        ResourceType           `json:"type"`
	State       ResourceState          `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	Error       string                 `json:"error,omitempty"`
	Reschedules int                    `json:"reschedules"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Transition records one state change of a resource.
type Transition struct {
	ExperimentID string        `json:"experiment_id"`
	ResourceID   ResourceID    `json:"resource_id"`
	ResourceType ResourceType  `json:"resource_type"`
	From         ResourceState `json:"from"`
	To           ResourceState `json:"to"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
