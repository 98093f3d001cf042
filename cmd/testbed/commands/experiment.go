package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/testbed/pkg/config"
	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/plugins/dummy"
	"github.com/openfroyo/testbed/pkg/policy"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

// experiment is an experiment file assembled into a controller.
type experiment struct {
	file  *config.ExperimentFile
	ctrl  *engine.Controller
	ids   map[string]engine.ResourceID
	names map[engine.ResourceID]string
}

// assembleOptions are the parts of the controller configuration that do
// not come from the experiment file.
type assembleOptions struct {
	telemetry *telemetry.Telemetry
	recorder  engine.Recorder
	stepDelay time.Duration
}

// assemble builds a controller for file with the dummy types registered.
// The controller is not started.
func assemble(file *config.ExperimentFile, opts assembleOptions) (*experiment, error) {
	cfg, err := file.ControllerConfig()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Source, err)
	}
	cfg.Telemetry = opts.telemetry
	cfg.Recorder = opts.recorder

	registry := engine.NewRegistry()
	dummyOpts := dummy.Options{StepDelay: opts.stepDelay}
	if opts.telemetry != nil {
		dummyOpts.Logger = opts.telemetry.Logger.NewComponentLogger("dummy")
	}
	if err := dummy.Register(registry, dummyOpts); err != nil {
		return nil, fmt.Errorf("failed to register resource types: %w", err)
	}

	ctrl, err := engine.NewController(cfg, registry)
	if err != nil {
		return nil, err
	}

	ids, err := config.Build(ctrl, file)
	if err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("%s: %w", file.Source, err)
	}

	return &experiment{
		file:  file,
		ctrl:  ctrl,
		ids:   ids,
		names: config.Names(ids),
	}, nil
}

// name returns the resource name from the file, or the id when the
// resource is unknown.
func (e *experiment) name(id engine.ResourceID) string {
	if n, ok := e.names[id]; ok {
		return n
	}
	return id.String()
}

// evaluatePolicies runs the builtin policies and the ones named by --policy
// against file. Violations are published to events when it is non-nil.
func evaluatePolicies(ctx context.Context, file *config.ExperimentFile, events *telemetry.EventPublisher) (*policy.Result, error) {
	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(policyPaths) > 0 {
		if err := eng.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, err
		}
	}
	if events != nil {
		eng.SetEventPublisher(events)
	}
	return eng.Evaluate(ctx, file)
}

// printViolations writes one line per violation.
func printViolations(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		if v.Resource != "" {
			fmt.Fprintf(w, "  [%s] %s: %s (resource %s)\n", v.Severity, v.Policy, v.Message, v.Resource)
		} else {
			fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		}
	}
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
