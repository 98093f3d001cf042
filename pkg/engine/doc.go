// Package engine provides the resource-lifecycle core of the testbed controller.
//
// # Overview
//
// An experiment is a set of resources (nodes, interfaces, channels,
// applications) connected to each other. The engine deploys every resource
// through the same state machine and makes sure a resource only starts once
// the resources it depends on are ready:
//
//	new -> discovering -> provisioning -> ready
//	any non-terminal state -> failed
//
// # Components
//
//   - Registry: explicit mapping from a type tag to its attribute table,
//     dependency rule and Plugin. It is created by the caller and passed to
//     the Controller.
//   - AttributeStore: typed per-resource attributes validated against the
//     type's AttributeSpec table.
//   - ConnectionGraph: bidirectional connections. A connection is a
//     dependency when the source type lists the peer type in DependsOn;
//     otherwise it is topological. Cycles among dependency edges are
//     rejected when the connection is added.
//   - Scheduler: one coordinating loop owning a delay queue, feeding a fixed
//     worker pool. A resource whose dependencies are not ready is re-queued
//     after a fixed delay instead of blocking a worker.
//   - Controller: assembles the experiment, runs it under a global timeout
//     and returns a Report.
//
// # Plugins
//
// A resource type implements two steps:
//
//	type Plugin interface {
//	    Discover(ctx context.Context, h *Handle) error
//	    Provision(ctx context.Context, h *Handle) error
//	}
//
// An error fails the resource and is recorded in the report. Returning
// ErrNotReady keeps the resource in its current state and retries the step
// after the reschedule delay.
//
// # Error Classification
//
// Errors are EngineError values with a class and a code:
//
//   - Permanent: invalid attributes, unknown resources or types, cycles
//   - Conflict: assembling or running an experiment that already started
//   - Transient: experiment timeout, cancellation, ErrNotReady
//
// Structural errors are returned synchronously by AddResource and
// AddConnection. Deploy errors are isolated per resource.
//
// # Example
//
//	reg := engine.NewRegistry()
//	reg.MustRegister(engine.TypeDefinition{Name: "demo::Node", Plugin: engine.PluginFuncs{}})
//	reg.MustRegister(engine.TypeDefinition{
//	    Name:      "demo::App",
//	    DependsOn: []engine.ResourceType{"demo::Node"},
//	    Plugin:    engine.PluginFuncs{},
//	})
//
//	ctrl, _ := engine.NewController(engine.DefaultControllerConfig(), reg)
//	node, _ := ctrl.AddResource("demo::Node", nil)
//	app, _ := ctrl.AddResource("demo::App", nil)
//	_ = ctrl.AddConnection(app, node)
//
//	report, err := ctrl.Run(context.Background())
package engine
