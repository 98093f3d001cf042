package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Resource is one stateful unit of an experiment. Its state is only changed
// by the scheduler and the controller's timeout path, both through
// compare-and-set transitions.
type Resource struct {
	id  ResourceID
	def *TypeDefinition

	// sealed is shared by every resource of a controller. Once set, only
	// transitions to StateFailed are accepted.
	sealed *atomic.Bool

	mu          sync.Mutex
	state       ResourceState
	err         error
	reschedules int
	createdAt   time.Time
	updatedAt   time.Time
	enteredAt   map[ResourceState]time.Time
}

func newResource(id ResourceID, def *TypeDefinition, sealed *atomic.Bool) *Resource {
	now := time.Now()
	return &Resource{
		id:        id,
		def:       def,
		sealed:    sealed,
		state:     StateNew,
		createdAt: now,
		updatedAt: now,
		enteredAt: map[ResourceState]time.Time{StateNew: now},
	}
}

// ID returns the resource id.
func (r *Resource) ID() ResourceID { return r.id }

// Type returns the resource type tag.
func (r *Resource) Type() ResourceType { return r.def.Name }

// State returns the current state.
func (r *Resource) State() ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the recorded failure, if any.
func (r *Resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Reschedules returns how many times the resource was re-queued with a delay.
func (r *Resource) Reschedules() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reschedules
}

// EnteredAt returns when the resource entered state, if it did.
func (r *Resource) EnteredAt(state ResourceState) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.enteredAt[state]
	return t, ok
}

// transition moves the resource from one state to the next if it is still
// in from and the move is legal.
func (r *Resource) transition(from, to ResourceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != from || !from.CanTransition(to) {
		return false
	}
	if to != StateFailed && r.sealed != nil && r.sealed.Load() {
		return false
	}
	r.setStateLocked(to)
	return true
}

// sealedForReadiness reports whether the controller refuses further
// progress of this resource.
func (r *Resource) sealedForReadiness() bool {
	return r.sealed != nil && r.sealed.Load()
}

// fail moves a non-terminal resource to StateFailed and records err. It
// returns the previous state and whether the resource was changed.
func (r *Resource) fail(err error) (ResourceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state
	if prev.IsTerminal() {
		return prev, false
	}
	r.err = err
	r.setStateLocked(StateFailed)
	return prev, true
}

func (r *Resource) setStateLocked(to ResourceState) {
	now := time.Now()
	r.state = to
	r.updatedAt = now
	if _, ok := r.enteredAt[to]; !ok {
		r.enteredAt[to] = now
	}
}

func (r *Resource) addReschedule() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reschedules++
	return r.reschedules
}

// snapshot copies the resource's bookkeeping; attributes are filled by the
// caller.
func (r *Resource) snapshot() ResourceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := ResourceSnapshot{
		ID:          r.id,
		Type:        r.def.Name,
		State:       r.state,
		Reschedules: r.reschedules,
		UpdatedAt:   r.updatedAt,
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	return snap
}
