package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/testbed/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("controller started")
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Data["new_state"])
	}, telemetry.FilterByType(telemetry.EventTypeResourceStateChanged))

	_ = events.PublishExperimentStarted("exp-1", "demo", 2)
	_ = events.PublishResourceStateChanged("exp-1", "1", "new", "discovering")
	_ = events.PublishResourceStateChanged("exp-1", "1", "discovering", "provisioning")

	// Output:
	// resource.state_changed discovering
	// resource.state_changed provisioning
}

// Example_structuredLogging demonstrates component loggers.
func Example_structuredLogging() {
	logger := telemetry.NewWriterLogger(os.Stdout, "info").
		NewComponentLogger("scheduler").
		WithExperimentID("exp-1").
		WithResourceID("3")

	logger.Debug("not printed")
	logger.Info("resource ready")
}
