package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/testbed/pkg/config"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

// Engine evaluates admission policies against experiment files.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	logger   zerolog.Logger
	events   *telemetry.EventPublisher
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   DefaultLimits(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// SetLimits replaces the limits passed to policies as input.limits.
func (e *Engine) SetLimits(limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
}

// SetEventPublisher makes Evaluate publish one event per violation.
func (e *Engine) SetEventPublisher(events *telemetry.EventPublisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = events
}

// Evaluate runs every enabled policy against file. A policy that fails to
// evaluate is reported as a blocking violation of that policy.
func (e *Engine) Evaluate(ctx context.Context, file *config.ExperimentFile) (*Result, error) {
	if file == nil {
		return nil, fmt.Errorf("no experiment to evaluate")
	}
	start := time.Now()

	e.mu.RLock()
	input := Input{Experiment: file, Limits: e.limits}
	var active []*compiledPolicy
	for _, cp := range e.sortedLocked() {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	events := e.events
	e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(active))}
	for _, cp := range active {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("experiment", file.Name).
				Msg("Policy evaluation failed")
			violations = []Violation{{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			}}
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
		}
		if events != nil {
			_ = events.Publish(telemetry.Event{
				Type:       telemetry.EventTypePolicyViolation,
				Source:     "policy_engine",
				ResourceID: v.Resource,
				Message:    fmt.Sprintf("%s: %s", v.Policy, v.Message),
				Level:      eventLevel(v.Severity),
				Data: map[string]interface{}{
					"policy":     v.Policy,
					"experiment": file.Name,
				},
			})
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("experiment", file.Name).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("Experiment policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(&cp.policy, d))
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Resource != violations[j].Resource {
			return violations[i].Resource < violations[j].Resource
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

func eventLevel(s Severity) string {
	switch s {
	case SeverityError:
		return telemetry.EventLevelError
	case SeverityWarning:
		return telemetry.EventLevelWarning
	default:
		return telemetry.EventLevelInfo
	}
}

// AddPolicy compiles a policy and stores it, replacing a policy of the same
// name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compilePolicy(ctx, policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// LoadPolicies loads policy files and directories. Nothing is stored when
// any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// compilePolicy parses the module and prepares its deny query.
func compilePolicy(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	switch policy.Severity {
	case SeverityInfo, SeverityWarning, SeverityError:
	case "":
		policy.Severity = SeverityWarning
	default:
		return nil, fmt.Errorf("policy %s: invalid severity %q", policy.Name, policy.Severity)
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for _, p := range builtins {
		if err := e.AddPolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	compiled := e.sortedLocked()
	policies := make([]Policy, len(compiled))
	for i, cp := range compiled {
		policies[i] = cp.policy
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedLocked() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}
