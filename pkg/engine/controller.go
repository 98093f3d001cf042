package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/testbed/pkg/telemetry"
)

// Recorder persists experiment diagnostics. Recording failures are logged
// and never affect the run.
type Recorder interface {
	RecordExperiment(ctx context.Context, report *Report) error
	RecordTransition(ctx context.Context, t Transition) error
	RecordSnapshot(ctx context.Context, experimentID string, snapshots []ResourceSnapshot) error
}

// ControllerConfig configures an experiment controller.
type ControllerConfig struct {
	// Name is a human readable experiment name.
	Name string

	// Timeout bounds Run.
	Timeout time.Duration

	// RescheduleDelay is the fixed delay before a blocked resource is retried.
	RescheduleDelay time.Duration

	// Workers is the number of concurrent deploy workers.
	Workers int

	// DrainTimeout bounds how long Run waits for in-flight steps after the
	// timeout elapsed.
	DrainTimeout time.Duration

	// FailOnBlockedDependency fails resources whose dependency failed
	// without waiting for the timeout.
	FailOnBlockedDependency bool

	// Telemetry receives logs, metrics, traces and events. Nil disables it.
	Telemetry *telemetry.Telemetry

	// Recorder persists diagnostics. Nil disables it.
	Recorder Recorder
}

// DefaultControllerConfig returns the default controller configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Timeout:         5 * time.Minute,
		RescheduleDelay: 200 * time.Millisecond,
		Workers:         8,
		DrainTimeout:    5 * time.Second,
	}
}

// Validate checks the configuration.
func (c ControllerConfig) Validate() error {
	switch {
	case c.Timeout <= 0:
		return NewPermanentError("timeout must be positive", nil).WithCode(ErrCodeValidation)
	case c.RescheduleDelay <= 0:
		return NewPermanentError("reschedule delay must be positive", nil).WithCode(ErrCodeValidation)
	case c.Workers <= 0:
		return NewPermanentError("workers must be positive", nil).WithCode(ErrCodeValidation)
	case c.DrainTimeout < 0:
		return NewPermanentError("drain timeout must not be negative", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

// Controller assembles an experiment from resources and connections and
// runs it. Resources and connections can only be added before Run.
type Controller struct {
	id       string
	cfg      ControllerConfig
	registry *Registry
	attrs    *AttributeStore
	graph    *ConnectionGraph
	sched    *Scheduler
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	mu          sync.RWMutex
	resources   map[ResourceID]*Resource
	order       []ResourceID
	nextID      ResourceID
	status      ExperimentStatus
	started     bool
	closed      bool
	startedAt   time.Time
	completedAt time.Time
	terminal    int
	report      *Report

	done     chan struct{}
	doneOnce sync.Once

	// sealed refuses every non-failure transition once the run is over.
	sealed atomic.Bool
}

// NewController creates a controller for one experiment.
func NewController(cfg ControllerConfig, registry *Registry) (*Controller, error) {
	if registry == nil {
		return nil, NewPermanentError("registry is required", nil).WithCode(ErrCodeValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}

	c := &Controller{
		id:        uuid.New().String(),
		cfg:       cfg,
		registry:  registry,
		attrs:     NewAttributeStore(),
		graph:     NewConnectionGraph(registry.DependsOn),
		tel:       tel,
		resources: make(map[ResourceID]*Resource),
		status:    ExperimentStatusPending,
		done:      make(chan struct{}),
	}
	c.logger = tel.Logger.NewComponentLogger("controller").WithExperimentID(c.id)
	c.sched = newScheduler(SchedulerConfig{
		Workers:                 cfg.Workers,
		RescheduleDelay:         cfg.RescheduleDelay,
		FailOnBlockedDependency: cfg.FailOnBlockedDependency,
	}, c, c.graph, tel)

	return c, nil
}

// ID returns the experiment id.
func (c *Controller) ID() string { return c.id }

// Graph returns the connection graph.
func (c *Controller) Graph() *ConnectionGraph { return c.graph }

// Registry returns the type registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Scheduler returns the lifecycle scheduler.
func (c *Controller) Scheduler() *Scheduler { return c.sched }

// AddResource registers a resource of type rtype with the given initial
// attributes and returns its id.
func (c *Controller) AddResource(rtype ResourceType, attrs map[string]interface{}) (ResourceID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return 0, alreadyStartedError("add resource")
	}

	def, err := c.registry.Lookup(rtype)
	if err != nil {
		return 0, err
	}

	id := c.nextID + 1
	if err := c.attrs.Register(id, def.Attributes, attrs); err != nil {
		return 0, err
	}

	c.nextID = id
	c.resources[id] = newResource(id, def, &c.sealed)
	c.order = append(c.order, id)
	c.graph.AddNode(id, rtype)

	c.logger.WithResourceID(id.String()).Debugf("registered %s", rtype)
	return id, nil
}

// AddConnection connects two resources.
func (c *Controller) AddConnection(a, b ResourceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return alreadyStartedError("add connection")
	}
	return c.graph.Connect(a, b)
}

// GetAttribute returns an attribute value of a resource.
func (c *Controller) GetAttribute(id ResourceID, name string) (interface{}, error) {
	return c.attrs.Get(id, name)
}

// SetAttribute changes an attribute. After Run only runtime attributes may
// change.
func (c *Controller) SetAttribute(id ResourceID, name string, value interface{}) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	return c.attrs.Set(id, name, value, started)
}

// Connected returns the resources of type rtype connected to id.
func (c *Controller) Connected(id ResourceID, rtype ResourceType) []ResourceID {
	return c.graph.Connected(id, rtype)
}

// Resources returns the resource ids in registration order.
func (c *Controller) Resources() []ResourceID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ResourceID(nil), c.order...)
}

// Resource returns a registered resource.
func (c *Controller) Resource(id ResourceID) (*Resource, error) {
	r, ok := c.lookup(id)
	if !ok {
		return nil, NewPermanentError("resource not found", nil).
			WithCode(ErrCodeUnknownResource).
			WithResource(id)
	}
	return r, nil
}

// Status returns the current state of every resource.
func (c *Controller) Status() map[ResourceID]ResourceState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[ResourceID]ResourceState, len(c.resources))
	for id, r := range c.resources {
		out[id] = r.State()
	}
	return out
}

// ExperimentStatus returns the status of the experiment as a whole.
func (c *Controller) ExperimentStatus() ExperimentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Snapshot returns the type, attributes and state of every resource in
// registration order.
func (c *Controller) Snapshot() []ResourceSnapshot {
	c.mu.RLock()
	resources := c.orderedLocked()
	c.mu.RUnlock()

	out := make([]ResourceSnapshot, 0, len(resources))
	for _, r := range resources {
		snap := r.snapshot()
		snap.Attributes = c.attrs.Values(r.ID())
		out = append(out, snap)
	}
	return out
}

// Report returns the report of the finished run, or a live report while the
// experiment is pending or running.
func (c *Controller) Report() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.report != nil {
		return c.report
	}
	report := newReport(c.id, c.cfg.Name, c.orderedLocked(), c.startedAt, time.Time{})
	if !c.started {
		report.Status = ExperimentStatusPending
	}
	return report
}

// Run deploys every resource and blocks until all of them are ready or
// failed, the configured timeout elapses, or ctx is done. Individual
// resource failures are reported in the Report, never as an error. When the
// timeout elapses every resource that is not ready is failed and the error
// matches ErrExperimentTimeout.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil, alreadyStartedError("run")
	}
	c.started = true
	c.status = ExperimentStatusRunning
	c.startedAt = time.Now()
	ids := append([]ResourceID(nil), c.order...)
	if len(ids) == 0 {
		c.doneOnce.Do(func() { close(c.done) })
	}
	c.mu.Unlock()

	ctx, span := c.tel.Tracer.StartExperimentSpan(ctx, c.id, c.cfg.Name)
	defer span.End()

	c.logger.Infof("running experiment with %d resources", len(ids))
	c.tel.Metrics.RecordExperimentStarted()
	_ = c.tel.Events.PublishExperimentStarted(c.id, c.cfg.Name, len(ids))
	c.recordExperiment(ctx, c.Report())

	c.sched.Start()
	for _, id := range ids {
		if err := c.sched.Deploy(id); err != nil {
			c.logger.WithError(err).Errorf("deploy of resource %d refused", id)
		}
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	var runErr error
	select {
	case <-c.done:
	case <-timer.C:
		n := c.expire(ErrCodeResourceTimeout, "resource not ready before the experiment timeout")
		runErr = NewTransientError(
			fmt.Sprintf("experiment timed out after %s with %d resources not ready", c.cfg.Timeout, n), nil,
		).WithCode(ErrCodeExperimentTimeout)
	case <-ctx.Done():
		c.expire(ErrCodeCancelled, "experiment cancelled")
		runErr = NewTransientError("experiment cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	}

	if !c.sched.Stop(c.cfg.DrainTimeout) {
		c.logger.Warn("some deploy steps did not return before the drain timeout")
	}
	c.sealed.Store(true)

	report := c.finish(runErr)
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		c.logger.WithError(runErr).Warn(report.String())
	} else {
		telemetry.RecordSuccess(span)
		c.logger.Info(report.String())
	}

	c.recordExperiment(ctx, report)
	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordSnapshot(ctx, c.id, c.Snapshot()); err != nil {
			c.logger.WithError(err).Warn("failed to record snapshot")
		}
	}

	return report, runErr
}

// expire seals the experiment and fails every resource that is not
// terminal. Resources whose dependency had already failed are failed with
// DEPENDENCY_FAILED, the others with code. It returns how many resources
// were failed.
func (c *Controller) expire(code, message string) int {
	c.sealed.Store(true)
	c.sched.CancelAll()

	states := c.Status()
	stateAtDeadline := func(id ResourceID) ResourceState { return states[id] }

	failed := 0
	for _, id := range c.Resources() {
		if states[id].IsTerminal() {
			continue
		}
		r, ok := c.lookup(id)
		if !ok {
			continue
		}

		var err error
		if dep, ok := c.graph.FailedDependency(id, stateAtDeadline); ok {
			err = dependencyFailedError(id, dep)
		} else {
			err = NewTransientError(message, nil).
				WithCode(code).
				WithResource(id).
				WithDetail("state", string(states[id]))
		}
		c.sched.failResource(r, err)
		failed++
	}
	return failed
}

func (c *Controller) finish(runErr error) *Report {
	c.mu.Lock()
	c.completedAt = time.Now()
	report := newReport(c.id, c.cfg.Name, c.orderedLocked(), c.startedAt, c.completedAt)
	if runErr != nil {
		report.Error = runErr.Error()
	}
	c.status = report.Status
	c.report = report
	c.mu.Unlock()

	c.tel.Metrics.RecordExperimentCompleted(string(report.Status), report.Duration)
	_ = c.tel.Events.PublishExperimentCompleted(c.id, string(report.Status), report.Duration, report.Summary.Ready, report.Summary.Failed)
	return report
}

// Close stops the scheduler and releases the experiment's resources. The
// controller cannot be used afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := append([]ResourceID(nil), c.order...)
	c.mu.Unlock()

	c.sched.Stop(c.cfg.DrainTimeout)
	c.sealed.Store(true)
	for _, id := range ids {
		c.attrs.Remove(id)
	}
	c.logger.Debug("experiment closed")
	return nil
}

func (c *Controller) orderedLocked() []*Resource {
	out := make([]*Resource, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.resources[id])
	}
	return out
}

func (c *Controller) recordExperiment(ctx context.Context, report *Report) {
	if c.cfg.Recorder == nil {
		return
	}
	if err := c.cfg.Recorder.RecordExperiment(ctx, report); err != nil {
		c.logger.WithError(err).Warn("failed to record experiment")
	}
}

// lookup implements resolver.
func (c *Controller) lookup(id ResourceID) (*Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[id]
	return r, ok
}

// handle implements resolver.
func (c *Controller) handle(r *Resource) *Handle {
	return &Handle{id: r.ID(), rtype: r.Type(), ctrl: c}
}

// transitioned implements resolver.
func (c *Controller) transitioned(r *Resource, from, to ResourceState, err error) {
	logger := c.logger.WithResourceID(r.ID().String()).WithField("type", string(r.Type()))
	if err != nil {
		logger.WithError(err).Warnf("%s -> %s", from, to)
	} else {
		logger.Debugf("%s -> %s", from, to)
	}

	c.tel.Metrics.RecordTransition(string(r.Type()), string(to))
	_ = c.tel.Events.PublishResourceStateChanged(c.id, r.ID().String(), string(from), string(to))

	if c.cfg.Recorder != nil {
		t := Transition{
			ExperimentID: c.id,
			ResourceID:   r.ID(),
			ResourceType: r.Type(),
			From:         from,
			To:           to,
			Timestamp:    time.Now(),
		}
		if err != nil {
			t.Error = err.Error()
		}
		if rerr := c.cfg.Recorder.RecordTransition(context.Background(), t); rerr != nil {
			logger.WithError(rerr).Warn("failed to record transition")
		}
	}

	if !to.IsTerminal() {
		return
	}
	c.mu.Lock()
	c.terminal++
	if c.terminal >= len(c.resources) {
		c.doneOnce.Do(func() { close(c.done) })
	}
	c.mu.Unlock()
}

// rescheduled implements resolver.
func (c *Controller) rescheduled(r *Resource, attempt int, reason string) {
	_ = c.tel.Events.PublishResourceRescheduled(c.id, r.ID().String(), attempt, reason)
}

func alreadyStartedError(op string) *EngineError {
	return NewConflictError("experiment already started", nil).
		WithCode(ErrCodeAlreadyStarted).
		WithOperation(op)
}
