// Package telemetry provides observability for the testbed controller.
//
// It bundles structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Libraries and tests that do not care about observability use NewNop.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger.WithExperimentID(id).WithResourceID("3").Info("resource ready")
//
// # Tracing
//
// Every run produces an experiment.run span with one resource.deploy span
// per deploy attempt and plugin.discover / plugin.provision child spans.
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics are registered on a private registry and served by
// StartMetricsServer:
//
//   - experiments_started_total, experiments_completed_total{status}
//   - experiment_duration_seconds{status}, active_experiments
//   - resource_transitions_total{type,state}
//   - resource_reschedules_total{type,reason}
//   - plugin_step_duration_seconds{type,step,status}, plugin_errors_total{type,step}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//   - scheduler_pending_tasks
//
// # Events
//
// The EventPublisher delivers experiment.started, experiment.completed,
// resource.state_changed, resource.rescheduled and policy.violation events
// to subscribers, optionally through a buffered goroutine.
package telemetry
