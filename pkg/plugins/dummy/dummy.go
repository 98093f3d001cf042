// Package dummy provides simulated resource types for demos and tests. No
// real infrastructure is touched: steps sleep for a configurable delay and
// publish made-up runtime attributes. Every type accepts two attributes for
// failure injection:
//
//   - delay_ms: extra simulated duration of each step
//   - fail: "discover" or "provision" makes that step fail
package dummy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

// Resource types.
const (
	TypeNode        engine.ResourceType = "dummy::Node"
	TypeInterface   engine.ResourceType = "dummy::Interface"
	TypeChannel     engine.ResourceType = "dummy::Channel"
	TypeApplication engine.ResourceType = "dummy::Application"
)

// Values of the fail attribute.
const (
	FailNone      = "none"
	FailDiscover  = "discover"
	FailProvision = "provision"
)

// ErrInjected is returned by a step selected through the fail attribute.
var ErrInjected = errors.New("injected failure")

// Options configures the simulated types.
type Options struct {
	// StepDelay is added to every step of every resource.
	StepDelay time.Duration

	// Logger receives step logs. Nil discards them.
	Logger *telemetry.Logger
}

// Register adds the dummy types to reg.
func Register(reg *engine.Registry, opts Options) error {
	for _, def := range Definitions(opts) {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns the type definitions of the dummy flavor.
func Definitions(opts Options) []engine.TypeDefinition {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	base := simulator{opts: opts, logger: opts.Logger.NewComponentLogger("dummy")}

	return []engine.TypeDefinition{
		{
			Name: TypeNode,
			Help: "Simulated host.",
			Attributes: withCommon(
				engine.AttributeSpec{Name: "hostname", Type: engine.AttributeString, Default: "localhost", Constraint: "hostname_rfc1123", Help: "Host name"},
				engine.AttributeSpec{Name: "cores", Type: engine.AttributeInt, Default: 1, Constraint: "min=1,max=1024", Help: "CPU cores"},
				engine.AttributeSpec{Name: "ip", Type: engine.AttributeString, Flags: engine.FlagRuntime, Help: "Address assigned during discovery"},
			),
			Plugin: &nodePlugin{simulator: base},
		},
		{
			Name: TypeInterface,
			Help: "Simulated network interface attached to one node.",
			Attributes: withCommon(
				engine.AttributeSpec{Name: "name", Type: engine.AttributeString, Default: "eth0", Help: "Interface name"},
				engine.AttributeSpec{Name: "mtu", Type: engine.AttributeInt, Default: 1500, Constraint: "min=68,max=65535", Help: "Maximum transmission unit"},
				engine.AttributeSpec{Name: "mac", Type: engine.AttributeString, Flags: engine.FlagRuntime, Help: "Address assigned during discovery"},
			),
			DependsOn: []engine.ResourceType{TypeNode},
			Plugin:    &interfacePlugin{simulator: base},
		},
		{
			Name: TypeChannel,
			Help: "Simulated link between interfaces. Becomes ready once every attached interface is ready.",
			Attributes: withCommon(
				engine.AttributeSpec{Name: "latency_ms", Type: engine.AttributeInt, Default: 0, Constraint: "min=0", Help: "One-way latency"},
				engine.AttributeSpec{Name: "loss", Type: engine.AttributeInt, Default: 0, Constraint: "min=0,max=100", Help: "Packet loss percentage"},
			),
			Plugin: &channelPlugin{simulator: base},
		},
		{
			Name: TypeApplication,
			Help: "Simulated process running on one node.",
			Attributes: withCommon(
				engine.AttributeSpec{Name: "command", Type: engine.AttributeString, Constraint: "required", Help: "Command line"},
				engine.AttributeSpec{Name: "mode", Type: engine.AttributeEnum, Allowed: []string{"client", "server"}, Default: "client", Help: "Role of the process"},
				engine.AttributeSpec{Name: "stdout", Type: engine.AttributeString, Flags: engine.FlagRuntime, Help: "Output captured during provisioning"},
			),
			DependsOn: []engine.ResourceType{TypeNode},
			Plugin:    &applicationPlugin{simulator: base},
		},
	}
}

func withCommon(specs ...engine.AttributeSpec) []engine.AttributeSpec {
	return append(specs,
		engine.AttributeSpec{Name: "delay_ms", Type: engine.AttributeInt, Default: 0, Constraint: "min=0", Help: "Simulated duration of each step"},
		engine.AttributeSpec{
			Name:    "fail",
			Type:    engine.AttributeEnum,
			Allowed: []string{FailNone, FailDiscover, FailProvision},
			Default: FailNone,
			Help:    "Step that fails on purpose",
		},
	)
}

// simulator holds what every dummy type shares.
type simulator struct {
	opts   Options
	logger *telemetry.Logger
}

// step waits for the simulated duration and applies failure injection.
func (s simulator) step(ctx context.Context, h *engine.Handle, step string) error {
	s.logger.WithResourceID(h.ID().String()).WithField("type", string(h.Type())).Debugf("%s", step)

	delay := s.opts.StepDelay + time.Duration(h.Int("delay_ms"))*time.Millisecond
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if h.String("fail") == step {
		return fmt.Errorf("%s of %#v: %w", step, h, ErrInjected)
	}
	return nil
}

// soleNode returns the single node connected to h.
func soleNode(h *engine.Handle) (engine.ResourceID, error) {
	nodes := h.Connected(TypeNode)
	if len(nodes) != 1 {
		return 0, fmt.Errorf("%#v must be connected to exactly one node, found %d", h, len(nodes))
	}
	return nodes[0], nil
}

type nodePlugin struct{ simulator }

func (p *nodePlugin) Discover(ctx context.Context, h *engine.Handle) error {
	if err := p.step(ctx, h, engine.StepDiscover); err != nil {
		return err
	}
	id := int64(h.ID())
	return h.SetAttribute("ip", fmt.Sprintf("10.0.%d.%d", (id>>8)&0xff, id&0xff))
}

func (p *nodePlugin) Provision(ctx context.Context, h *engine.Handle) error {
	return p.step(ctx, h, engine.StepProvision)
}

type interfacePlugin struct{ simulator }

func (p *interfacePlugin) Discover(ctx context.Context, h *engine.Handle) error {
	if _, err := soleNode(h); err != nil {
		return err
	}
	if err := p.step(ctx, h, engine.StepDiscover); err != nil {
		return err
	}
	id := int64(h.ID())
	return h.SetAttribute("mac", fmt.Sprintf("02:00:00:00:%02x:%02x", (id>>8)&0xff, id&0xff))
}

func (p *interfacePlugin) Provision(ctx context.Context, h *engine.Handle) error {
	return p.step(ctx, h, engine.StepProvision)
}

type channelPlugin struct{ simulator }

func (p *channelPlugin) Discover(ctx context.Context, h *engine.Handle) error {
	if len(h.Connected(TypeInterface)) == 0 {
		return fmt.Errorf("%#v has no interfaces", h)
	}
	return p.step(ctx, h, engine.StepDiscover)
}

// Provision waits for the attached interfaces without declaring them as
// dependencies, so a channel can be connected before or after them.
func (p *channelPlugin) Provision(ctx context.Context, h *engine.Handle) error {
	for _, iface := range h.Connected(TypeInterface) {
		state, err := h.PeerState(iface)
		if err != nil {
			return err
		}
		switch state {
		case engine.StateReady:
		case engine.StateFailed:
			return fmt.Errorf("%#v: interface %d failed", h, iface)
		default:
			return engine.ErrNotReady
		}
	}
	return p.step(ctx, h, engine.StepProvision)
}

type applicationPlugin struct{ simulator }

func (p *applicationPlugin) Discover(ctx context.Context, h *engine.Handle) error {
	if _, err := soleNode(h); err != nil {
		return err
	}
	return p.step(ctx, h, engine.StepDiscover)
}

func (p *applicationPlugin) Provision(ctx context.Context, h *engine.Handle) error {
	node, err := soleNode(h)
	if err != nil {
		return err
	}
	if err := p.step(ctx, h, engine.StepProvision); err != nil {
		return err
	}
	hostname, err := h.PeerAttribute(node, "hostname")
	if err != nil {
		return err
	}
	return h.SetAttribute("stdout", fmt.Sprintf("%v$ %s", hostname, h.String("command")))
}
