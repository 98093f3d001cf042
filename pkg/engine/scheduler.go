package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/testbed/pkg/telemetry"
)

// Step names used in logs, spans and errors.
const (
	StepDiscover  = "discover"
	StepProvision = "provision"
)

// SchedulerConfig configures the lifecycle scheduler.
type SchedulerConfig struct {
	// Workers is the number of concurrent deploy workers.
	Workers int

	// RescheduleDelay is the fixed delay before a blocked resource is
	// re-evaluated.
	RescheduleDelay time.Duration

	// FailOnBlockedDependency fails a resource as soon as one of its
	// dependencies failed instead of waiting for the experiment timeout.
	FailOnBlockedDependency bool
}

// resolver gives the scheduler access to the resources it drives without
// owning them.
type resolver interface {
	lookup(id ResourceID) (*Resource, bool)
	handle(r *Resource) *Handle
	transitioned(r *Resource, from, to ResourceState, err error)
	rescheduled(r *Resource, attempt int, reason string)
}

// Scheduler drives resources through discover, provision and ready. A
// single loop owns the delay queue and hands due tasks to a fixed pool of
// workers. Blocked resources are re-queued with a fixed delay; no goroutine
// waits on a dependency.
type Scheduler struct {
	cfg      SchedulerConfig
	resolver resolver
	graph    *ConnectionGraph

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu       sync.Mutex
	queue    delayQueue
	pending  map[ResourceID]*ScheduledTask
	inFlight map[ResourceID]bool
	attempts map[ResourceID]int
	started  bool
	stopped  bool

	wake chan struct{}
	work chan *ScheduledTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newScheduler(cfg SchedulerConfig, res resolver, graph *ConnectionGraph, tel *telemetry.Telemetry) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		resolver: res,
		graph:    graph,
		logger:   tel.Logger.NewComponentLogger("scheduler"),
		metrics:  tel.Metrics,
		tracer:   tel.Tracer,
		pending:  make(map[ResourceID]*ScheduledTask),
		inFlight: make(map[ResourceID]bool),
		attempts: make(map[ResourceID]int),
		wake:     make(chan struct{}, 1),
		work:     make(chan *ScheduledTask),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the coordinating loop and the worker pool.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	s.wg.Add(1 + s.cfg.Workers)
	go s.loop()
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker()
	}
}

// Deploy submits a resource for deployment. Terminal resources and
// resources that already have a pending or in-flight task are left alone.
// A resource whose dependencies are not ready is queued with the
// reschedule delay.
func (s *Scheduler) Deploy(id ResourceID) error {
	r, ok := s.resolver.lookup(id)
	if !ok {
		return NewPermanentError("resource not found", nil).
			WithCode(ErrCodeUnknownResource).
			WithResource(id).
			WithOperation("deploy")
	}
	if r.State().IsTerminal() {
		return nil
	}

	if s.graph.DependenciesReady(id, s.stateOf) {
		s.submit(r, 0, "")
		return nil
	}
	if s.failIfBlocked(r) {
		return nil
	}
	s.submit(r, s.cfg.RescheduleDelay, "dependencies not ready")
	return nil
}

// Cancel removes the pending task of a resource. It returns false when no
// task is pending, including when the task already fired.
func (s *Scheduler) Cancel(id ResourceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	s.queue.remove(task)
	s.metrics.SetPendingTasks(float64(s.queue.Len()))
	return true
}

// CancelAll removes every pending task and refuses new submissions. It
// returns the ids whose tasks were removed.
func (s *Scheduler) CancelAll() []ResourceID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	ids := make([]ResourceID, 0, len(s.pending))
	for _, task := range s.queue.clear() {
		ids = append(ids, task.ResourceID)
	}
	s.pending = make(map[ResourceID]*ScheduledTask)
	s.metrics.SetPendingTasks(0)
	return ids
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Stop cancels pending tasks, cancels the context of in-flight steps and
// waits up to drain for them to return. It reports whether every step
// returned in time.
func (s *Scheduler) Stop(drain time.Duration) bool {
	s.CancelAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if drain <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(drain)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		s.logger.Warnf("in-flight deploy steps still running after %s", drain)
		return false
	}
}

// submit queues a task for r due after delay.
func (s *Scheduler) submit(r *Resource, delay time.Duration, reason string) {
	id := r.ID()

	s.mu.Lock()
	if s.stopped || s.pending[id] != nil || s.inFlight[id] {
		s.mu.Unlock()
		return
	}
	s.attempts[id]++
	task := &ScheduledTask{
		ResourceID: id,
		Due:        time.Now().Add(delay),
		Attempt:    s.attempts[id],
	}
	s.queue.push(task)
	s.pending[id] = task
	s.metrics.SetPendingTasks(float64(s.queue.Len()))
	s.mu.Unlock()

	if delay > 0 {
		r.addReschedule()
		s.metrics.RecordReschedule(string(r.Type()), reason)
		s.resolver.rescheduled(r, task.Attempt, reason)
		s.logger.WithResourceID(id.String()).Debugf("rescheduled in %s: %s", delay, reason)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop pops due tasks and hands them to the workers.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := s.takeDue(time.Now())

		for _, task := range due {
			select {
			case s.work <- task:
			case <-s.ctx.Done():
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		var timeout <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timeout = timer.C
		}

		select {
		case <-timeout:
		case <-s.wake:
			timer.Stop()
		case <-s.ctx.Done():
			return
		}
	}
}

// takeDue removes every task due at now and marks it in flight. It returns
// the delay until the next task, or -1 when the queue is empty.
func (s *Scheduler) takeDue(now time.Time) ([]*ScheduledTask, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*ScheduledTask
	for {
		next := s.queue.peek()
		if next == nil {
			break
		}
		if next.Due.After(now) {
			s.metrics.SetPendingTasks(float64(s.queue.Len()))
			return due, next.Due.Sub(now)
		}
		task := s.queue.pop()
		delete(s.pending, task.ResourceID)
		s.inFlight[task.ResourceID] = true
		due = append(due, task)
	}
	s.metrics.SetPendingTasks(0)
	return due, -1
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.work:
			retry, reason := s.execute(task)
			s.mu.Lock()
			delete(s.inFlight, task.ResourceID)
			s.mu.Unlock()
			if retry {
				if r, ok := s.resolver.lookup(task.ResourceID); ok {
					s.submit(r, s.cfg.RescheduleDelay, reason)
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// execute runs the deploy path of one task. It returns true when the task
// must be retried after the reschedule delay.
func (s *Scheduler) execute(task *ScheduledTask) (bool, string) {
	r, ok := s.resolver.lookup(task.ResourceID)
	if !ok {
		return false, ""
	}
	state := r.State()
	if state.IsTerminal() || s.ctx.Err() != nil {
		return false, ""
	}

	logger := s.logger.WithResourceID(r.ID().String()).WithField("type", string(r.Type()))

	if state == StateNew && !s.graph.DependenciesReady(r.ID(), s.stateOf) {
		if s.failIfBlocked(r) {
			return false, ""
		}
		return true, "dependencies not ready"
	}

	ctx, span := s.tracer.StartResourceSpan(s.ctx, r.ID().String(), string(r.Type()), task.Attempt)
	defer span.End()

	if state == StateNew {
		if !s.advance(span, r, StateNew, StateDiscovering) {
			return false, ""
		}
		state = StateDiscovering
	}

	h := s.resolver.handle(r)
	plugin := r.def.Plugin

	if state == StateDiscovering {
		err := s.runStep(ctx, r, StepDiscover, plugin.Discover, h)
		if retry, reason := s.settle(r, StepDiscover, err, logger); retry || err != nil {
			telemetry.RecordError(span, err)
			return retry, reason
		}
		if !s.advance(span, r, StateDiscovering, StateProvisioning) {
			return false, ""
		}
		state = StateProvisioning
	}

	if state == StateProvisioning {
		err := s.runStep(ctx, r, StepProvision, plugin.Provision, h)
		if retry, reason := s.settle(r, StepProvision, err, logger); retry || err != nil {
			telemetry.RecordError(span, err)
			return retry, reason
		}
		if !s.advance(span, r, StateProvisioning, StateReady) {
			return false, ""
		}
		logger.Info("resource ready")
	}

	telemetry.RecordSuccess(span)
	return false, ""
}

// settle interprets the result of a step. ErrNotReady asks for a retry; any
// other error fails the resource unless the scheduler is stopping.
func (s *Scheduler) settle(r *Resource, step string, err error, logger *telemetry.Logger) (bool, string) {
	if err == nil {
		return false, ""
	}
	if errors.Is(err, ErrNotReady) {
		return true, fmt.Sprintf("%s not ready", step)
	}
	if s.ctx.Err() != nil {
		// The controller's timeout path records the failure.
		return false, ""
	}

	s.metrics.RecordPluginError(string(r.Type()), step)
	failure := NewPermanentError(fmt.Sprintf("%s step failed", step), err).
		WithCode(ErrCodeDeployFailed).
		WithResource(r.ID()).
		WithOperation(step)
	s.failResource(r, failure)
	logger.WithError(err).Errorf("%s step failed", step)
	return false, ""
}

// runStep invokes a plugin step and converts a panic into an error.
func (s *Scheduler) runStep(
	ctx context.Context,
	r *Resource,
	step string,
	fn func(context.Context, *Handle) error,
	h *Handle,
) (err error) {
	ctx, span := s.tracer.StartStepSpan(ctx, string(r.Type()), step)
	timer := telemetry.NewTimer()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("plugin panic: %v", p)
		}
		s.metrics.RecordStep(string(r.Type()), step, timer.Duration(), err == nil || errors.Is(err, ErrNotReady))
		if err != nil && !errors.Is(err, ErrNotReady) {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	return fn(ctx, h)
}

// advance performs a compare-and-set transition and reports it. A refused
// transition is recorded on span.
func (s *Scheduler) advance(span trace.Span, r *Resource, from, to ResourceState) bool {
	if !r.transition(from, to) {
		current := r.State()
		telemetry.RecordRefused(span, string(from), string(to), string(current), r.sealedForReadiness())
		s.logger.WithResourceID(r.ID().String()).Debugf("transition %s -> %s refused in state %s", from, to, current)
		return false
	}
	s.resolver.transitioned(r, from, to, nil)
	return true
}

// failResource moves r to StateFailed with err and reports it.
func (s *Scheduler) failResource(r *Resource, err error) {
	prev, changed := r.fail(err)
	if !changed {
		return
	}
	var e *EngineError
	if errors.As(err, &e) {
		s.metrics.RecordError(string(e.Class), e.Code)
	}
	s.resolver.transitioned(r, prev, StateFailed, err)
}

// failIfBlocked fails r when proactive detection is enabled and one of its
// dependencies failed.
func (s *Scheduler) failIfBlocked(r *Resource) bool {
	if !s.cfg.FailOnBlockedDependency {
		return false
	}
	dep, ok := s.graph.FailedDependency(r.ID(), s.stateOf)
	if !ok {
		return false
	}
	s.failResource(r, dependencyFailedError(r.ID(), dep))
	return true
}

func (s *Scheduler) stateOf(id ResourceID) ResourceState {
	r, ok := s.resolver.lookup(id)
	if !ok {
		return ""
	}
	return r.State()
}

func dependencyFailedError(id, dep ResourceID) *EngineError {
	return NewPermanentError(fmt.Sprintf("dependency %d failed", dep), nil).
		WithCode(ErrCodeDependencyFailed).
		WithResource(id).
		WithDetail("dependency", dep)
}
