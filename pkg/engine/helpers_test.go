package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Test resource types. A service depends on an app, an app depends on a
// node, and a link depends on nothing.
const (
	typeNode    ResourceType = "test::Node"
	typeApp     ResourceType = "test::App"
	typeService ResourceType = "test::Service"
	typeLink    ResourceType = "test::Link"
)

// mockPlugin records step invocations and can inject delays, failures and
// not-ready answers.
type mockPlugin struct {
	mu sync.Mutex

	delay        time.Duration
	discoverErr  error
	provisionErr error

	// notReady is the number of provision calls answering ErrNotReady.
	notReady int

	discovers  map[ResourceID]int
	provisions map[ResourceID]int

	// order records "discover:<id>" and "provision:<id>" in call order.
	order []string

	// onDiscover is called at the start of every discover step.
	onDiscover func(h *Handle)
}

func newMockPlugin() *mockPlugin {
	return &mockPlugin{
		discovers:  make(map[ResourceID]int),
		provisions: make(map[ResourceID]int),
	}
}

func (m *mockPlugin) Discover(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	m.discovers[h.ID()]++
	m.order = append(m.order, "discover:"+h.ID().String())
	hook := m.onDiscover
	err := m.discoverErr
	m.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	return err
}

func (m *mockPlugin) Provision(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	m.provisions[h.ID()]++
	m.order = append(m.order, "provision:"+h.ID().String())
	err := m.provisionErr
	if m.notReady > 0 {
		m.notReady--
		err = ErrNotReady
	}
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return err
	}
	return err
}

func (m *mockPlugin) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockPlugin) calls(id ResourceID) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovers[id], m.provisions[id]
}

func (m *mockPlugin) callOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// newTestRegistry registers node, app, service and link types backed by the
// given plugins.
func newTestRegistry(t *testing.T, node, app, service, link Plugin) *Registry {
	t.Helper()

	reg := NewRegistry()
	defs := []TypeDefinition{
		{
			Name: typeNode,
			Attributes: []AttributeSpec{
				{Name: "hostname", Type: AttributeString, Default: "localhost"},
				{Name: "cores", Type: AttributeInt, Default: 1, Constraint: "min=1"},
				{Name: "ip", Type: AttributeString, Flags: FlagRuntime},
			},
			Plugin: node,
		},
		{
			Name: typeApp,
			Attributes: []AttributeSpec{
				{Name: "command", Type: AttributeString},
				{Name: "autostart", Type: AttributeBool, Default: true},
				{Name: "mode", Type: AttributeEnum, Allowed: []string{"client", "server"}, Default: "client"},
			},
			DependsOn: []ResourceType{typeNode},
			Plugin:    app,
		},
		{
			Name:      typeService,
			DependsOn: []ResourceType{typeApp},
			Plugin:    service,
		},
		{
			Name:   typeLink,
			Plugin: link,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register(%s) error = %v", def.Name, err)
		}
	}
	return reg
}

// mocks bundles one mockPlugin per test type.
type mocks struct {
	node, app, service, link *mockPlugin
}

func newMocks() *mocks {
	return &mocks{
		node:    newMockPlugin(),
		app:     newMockPlugin(),
		service: newMockPlugin(),
		link:    newMockPlugin(),
	}
}

func (m *mocks) registry(t *testing.T) *Registry {
	t.Helper()
	return newTestRegistry(t, m.node, m.app, m.service, m.link)
}

func testConfig() ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.Timeout = 5 * time.Second
	cfg.RescheduleDelay = 20 * time.Millisecond
	cfg.Workers = 4
	cfg.DrainTimeout = time.Second
	return cfg
}

func newTestController(t *testing.T, cfg ControllerConfig, reg *Registry) *Controller {
	t.Helper()

	ctrl, err := NewController(cfg, reg)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func mustAdd(t *testing.T, ctrl *Controller, rtype ResourceType, attrs map[string]interface{}) ResourceID {
	t.Helper()

	id, err := ctrl.AddResource(rtype, attrs)
	if err != nil {
		t.Fatalf("AddResource(%s) error = %v", rtype, err)
	}
	return id
}

func mustConnect(t *testing.T, ctrl *Controller, a, b ResourceID) {
	t.Helper()

	if err := ctrl.AddConnection(a, b); err != nil {
		t.Fatalf("AddConnection(%d, %d) error = %v", a, b, err)
	}
}

// transitionRecorder is an in-memory Recorder.
type transitionRecorder struct {
	mu          sync.Mutex
	experiments []*Report
	transitions []Transition
	snapshots   map[string][]ResourceSnapshot
}

func newTransitionRecorder() *transitionRecorder {
	return &transitionRecorder{snapshots: make(map[string][]ResourceSnapshot)}
}

func (r *transitionRecorder) RecordExperiment(_ context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiments = append(r.experiments, report)
	return nil
}

func (r *transitionRecorder) RecordTransition(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *transitionRecorder) RecordSnapshot(_ context.Context, id string, snaps []ResourceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[id] = snaps
	return nil
}

// statesOf returns the sequence of states entered by a resource.
func (r *transitionRecorder) statesOf(id ResourceID) []ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ResourceState
	for _, t := range r.transitions {
		if t.ResourceID == id {
			out = append(out, t.To)
		}
	}
	return out
}

// enteredBefore reports whether a entered state sa before b entered sb.
func (r *transitionRecorder) enteredBefore(a ResourceID, sa ResourceState, b ResourceID, sb ResourceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ia, ib := -1, -1
	for i, t := range r.transitions {
		if t.ResourceID == a && t.To == sa && ia < 0 {
			ia = i
		}
		if t.ResourceID == b && t.To == sb && ib < 0 {
			ib = i
		}
	}
	return ia >= 0 && ib >= 0 && ia < ib
}

var errBoom = errors.New("boom")
