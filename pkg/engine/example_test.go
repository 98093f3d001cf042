package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
)

// Example_experiment assembles a two-resource experiment where the
// application waits for its node, runs it and prints the outcome.
func Example_experiment() {
	// 1. Register the resource types the experiment uses
	reg := engine.NewRegistry()
	reg.MustRegister(engine.TypeDefinition{
		Name: "demo::Node",
		Attributes: []engine.AttributeSpec{
			{Name: "hostname", Type: engine.AttributeString, Default: "localhost"},
			{Name: "ip", Type: engine.AttributeString, Flags: engine.FlagRuntime},
		},
		Plugin: engine.PluginFuncs{
			DiscoverFunc: func(_ context.Context, h *engine.Handle) error {
				return h.SetAttribute("ip", "192.168.0.1")
			},
		},
	})
	reg.MustRegister(engine.TypeDefinition{
		Name: "demo::Application",
		Attributes: []engine.AttributeSpec{
			{Name: "command", Type: engine.AttributeString},
		},
		DependsOn: []engine.ResourceType{"demo::Node"},
		Plugin:    engine.PluginFuncs{},
	})

	// 2. Create the controller
	cfg := engine.DefaultControllerConfig()
	cfg.Name = "ping"
	cfg.Timeout = 10 * time.Second
	cfg.RescheduleDelay = 10 * time.Millisecond

	ctrl, err := engine.NewController(cfg, reg)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer func() { _ = ctrl.Close() }()

	// 3. Add resources and connect them
	node, _ := ctrl.AddResource("demo::Node", map[string]interface{}{"hostname": "n1"})
	app, _ := ctrl.AddResource("demo::Application", map[string]interface{}{"command": "ping 10.0.0.2"})
	if err := ctrl.AddConnection(app, node); err != nil {
		fmt.Println("error:", err)
		return
	}

	// 4. Run and inspect the report
	report, err := ctrl.Run(context.Background())
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("status:", report.Status)
	for _, rr := range report.Resources {
		fmt.Printf("%s #%d: %s\n", rr.Type, rr.ID, rr.State)
	}
	ip, _ := ctrl.GetAttribute(node, "ip")
	fmt.Println("node ip:", ip)

	// Output:
	// status: ready
	// demo::Node #1: ready
	// demo::Application #2: ready
	// node ip: 192.168.0.1
}

// ExampleConnectionGraph_Levels shows how dependency edges group resources
// into deployment waves.
func ExampleConnectionGraph_Levels() {
	dependsOn := func(from, to engine.ResourceType) bool {
		return from == "demo::Application" && to == "demo::Node"
	}

	g := engine.NewConnectionGraph(dependsOn)
	g.AddNode(1, "demo::Node")
	g.AddNode(2, "demo::Application")
	g.AddNode(3, "demo::Application")
	g.AddNode(4, "demo::Channel")

	_ = g.Connect(2, 1)
	_ = g.Connect(3, 1)
	_ = g.Connect(4, 1)

	for i, wave := range g.Levels() {
		fmt.Printf("wave %d: %v\n", i, wave)
	}

	// Output:
	// wave 0: [1 4]
	// wave 1: [2 3]
}
