package engine

import (
	"fmt"
	"strings"
	"time"
)

// Report is the outcome of an experiment run.
type Report struct {
	// ExperimentID identifies the run.
	ExperimentID string `json:"experiment_id"`

	// Name is the experiment name from the controller config.
	Name string `json:"name,omitempty"`

	// Status is ready, partial or failed once the run finished.
	Status ExperimentStatus `json:"status"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`

	// Resources lists every resource in registration order.
	Resources []ResourceReport `json:"resources"`

	Summary ReportSummary `json:"summary"`

	// Error is set when the run itself timed out or was cancelled.
	Error string `json:"error,omitempty"`
}

// ResourceReport is the per-resource part of a Report.
type ResourceReport struct {
	ID          ResourceID    `json:"id"`
	Type        ResourceType  `json:"type"`
	State       ResourceState `json:"state"`
	Error       string        `json:"error,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Reschedules int           `json:"reschedules"`
}

// ReportSummary counts resources by outcome.
type ReportSummary struct {
	Total       int `json:"total"`
	Ready       int `json:"ready"`
	Failed      int `json:"failed"`
	Pending     int `json:"pending"`
	Reschedules int `json:"reschedules"`
}

// newReport builds a report from the resources in order.
func newReport(id, name string, resources []*Resource, startedAt, completedAt time.Time) *Report {
	report := &Report{
		ExperimentID: id,
		Name:         name,
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
		Resources:    make([]ResourceReport, 0, len(resources)),
	}
	if !startedAt.IsZero() && !completedAt.IsZero() {
		report.Duration = completedAt.Sub(startedAt)
	}

	for _, r := range resources {
		snap := r.snapshot()
		rr := ResourceReport{
			ID:          snap.ID,
			Type:        snap.Type,
			State:       snap.State,
			Error:       snap.Error,
			ErrorCode:   ErrorCode(r.Err()),
			Reschedules: snap.Reschedules,
		}
		report.Resources = append(report.Resources, rr)

		report.Summary.Total++
		report.Summary.Reschedules += rr.Reschedules
		switch rr.State {
		case StateReady:
			report.Summary.Ready++
		case StateFailed:
			report.Summary.Failed++
		default:
			report.Summary.Pending++
		}
	}

	report.Status = summaryStatus(report.Summary)
	return report
}

func summaryStatus(s ReportSummary) ExperimentStatus {
	switch {
	case s.Pending > 0:
		return ExperimentStatusRunning
	case s.Failed == 0:
		return ExperimentStatusReady
	case s.Ready > 0:
		return ExperimentStatusPartial
	default:
		return ExperimentStatusFailed
	}
}

// Ready reports whether every resource reached the ready state.
func (r *Report) Ready() bool {
	return r.Status == ExperimentStatusReady
}

// Resource returns the entry of one resource.
func (r *Report) Resource(id ResourceID) (ResourceReport, bool) {
	for _, rr := range r.Resources {
		if rr.ID == id {
			return rr, true
		}
	}
	return ResourceReport{}, false
}

// Failed returns the entries of failed resources.
func (r *Report) Failed() []ResourceReport {
	out := make([]ResourceReport, 0, r.Summary.Failed)
	for _, rr := range r.Resources {
		if rr.State == StateFailed {
			out = append(out, rr)
		}
	}
	return out
}

// String renders a short human readable summary.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "experiment %s: %s (%d/%d ready, %d failed, %d reschedules)",
		r.ExperimentID, r.Status, r.Summary.Ready, r.Summary.Total, r.Summary.Failed, r.Summary.Reschedules)
	for _, rr := range r.Failed() {
		fmt.Fprintf(&sb, "\n  %s#%d: %s", rr.Type, rr.ID, rr.Error)
	}
	return sb.String()
}
