// Package eventlog defines the JSON lines format of experiment event logs.
//
// A log starts with one HEADER record, continues with EVENT records in
// delivery order and ends with a REPORT record once the run finished:
//
//	{"type":"HEADER","timestamp":"...","data":{"experiment_id":"...","name":"ping",...}}
//	{"type":"EVENT","timestamp":"...","data":{"type":"resource.state_changed",...}}
//	{"type":"REPORT","timestamp":"...","data":{"status":"ready",...}}
//
// A log without a REPORT record belongs to a run that was interrupted.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

// RecordType represents the type of a log record.
type RecordType string

const (
	// RecordTypeHeader opens a log
	RecordTypeHeader RecordType = "HEADER"
	// RecordTypeEvent carries one telemetry event
	RecordTypeEvent RecordType = "EVENT"
	// RecordTypeReport carries the final report
	RecordTypeReport RecordType = "REPORT"
)

// Validate checks if the record type is valid.
func (t RecordType) Validate() error {
	switch t {
	case RecordTypeHeader, RecordTypeEvent, RecordTypeReport:
		return nil
	default:
		return fmt.Errorf("unknown record type: %s", t)
	}
}

// Record is one line of a log.
type Record struct {
	Type      RecordType      `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Header describes the run a log belongs to.
type Header struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
	Source       string `json:"source,omitempty"`
	Resources    int    `json:"resources"`
	Version      string `json:"version,omitempty"`
}

// Validate checks the header.
func (h *Header) Validate() error {
	if h.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}
	if h.Resources < 0 {
		return fmt.Errorf("resources must not be negative")
	}
	return nil
}

// Log is a decoded event log.
type Log struct {
	Header *Header           `json:"header"`
	Events []telemetry.Event `json:"events"`

	// Report is nil when the run did not finish.
	Report *engine.Report `json:"report,omitempty"`
}

// Complete reports whether the log ends with a report.
func (l *Log) Complete() bool {
	return l.Report != nil
}
