package engine

import (
	"context"
	"fmt"
)

// Plugin is the contract every resource type implements. Both steps run in a
// scheduler worker; returning ErrNotReady keeps the resource in its current
// state and retries the step after the reschedule delay. Any other error
// fails the resource.
type Plugin interface {
	// Discover locates or reserves whatever the resource needs.
	Discover(ctx context.Context, h *Handle) error

	// Provision brings the resource up.
	Provision(ctx context.Context, h *Handle) error
}

// PluginFuncs adapts plain functions to the Plugin interface. Nil functions
// succeed immediately.
type PluginFuncs struct {
	DiscoverFunc  func(ctx context.Context, h *Handle) error
	ProvisionFunc func(ctx context.Context, h *Handle) error
}

// Discover calls DiscoverFunc if set.
func (p PluginFuncs) Discover(ctx context.Context, h *Handle) error {
	if p.DiscoverFunc == nil {
		return nil
	}
	return p.DiscoverFunc(ctx, h)
}

// Provision calls ProvisionFunc if set.
func (p PluginFuncs) Provision(ctx context.Context, h *Handle) error {
	if p.ProvisionFunc == nil {
		return nil
	}
	return p.ProvisionFunc(ctx, h)
}

// Handle is the view of a resource handed to plugin steps.
type Handle struct {
	id    ResourceID
	rtype ResourceType
	ctrl  *Controller
}

// ID returns the resource id.
func (h *Handle) ID() ResourceID { return h.id }

// Type returns the resource type.
func (h *Handle) Type() ResourceType { return h.rtype }

// Attribute returns an attribute of this resource.
func (h *Handle) Attribute(name string) (interface{}, error) {
	return h.ctrl.attrs.Get(h.id, name)
}

// String returns a string or enum attribute, or "" when unset or mistyped.
func (h *Handle) String(name string) string {
	v, _ := h.Attribute(name)
	s, _ := v.(string)
	return s
}

// Int returns an int attribute, or 0 when unset or mistyped.
func (h *Handle) Int(name string) int {
	v, _ := h.Attribute(name)
	n, _ := v.(int)
	return n
}

// Bool returns a bool attribute, or false when unset or mistyped.
func (h *Handle) Bool(name string) bool {
	v, _ := h.Attribute(name)
	b, _ := v.(bool)
	return b
}

// SetAttribute publishes a value discovered during deployment. Only runtime
// attributes are writable.
func (h *Handle) SetAttribute(name string, value interface{}) error {
	return h.ctrl.attrs.Set(h.id, name, value, true)
}

// Connected returns the resources of type rtype connected to this one.
func (h *Handle) Connected(rtype ResourceType) []ResourceID {
	return h.ctrl.graph.Connected(h.id, rtype)
}

// PeerAttribute reads an attribute of another resource, typically one
// returned by Connected.
func (h *Handle) PeerAttribute(id ResourceID, name string) (interface{}, error) {
	return h.ctrl.attrs.Get(id, name)
}

// PeerState returns the current state of another resource.
func (h *Handle) PeerState(id ResourceID) (ResourceState, error) {
	r, ok := h.ctrl.lookup(id)
	if !ok {
		return "", NewPermanentError("resource not found", nil).
			WithCode(ErrCodeUnknownResource).
			WithResource(id)
	}
	return r.State(), nil
}

// GoString formats the handle as type#id.
func (h *Handle) GoString() string {
	return fmt.Sprintf("%s#%d", h.rtype, h.id)
}
