package engine

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// TypeDefinition describes a resource type: its attribute table, the peer
// types it depends on, and the plugin that deploys it.
type TypeDefinition struct {
	// Name is the type tag, e.g. "dummy::Application".
	Name ResourceType `json:"name" validate:"required"`

	// Attributes lists the configuration options of the type.
	Attributes []AttributeSpec `json:"attributes" validate:"dive"`

	// DependsOn lists the peer types this type waits for. A connection to a
	// peer of any other type is topological. A type may not depend on
	// itself, since every connection between two of its resources would be
	// a mutual dependency.
	DependsOn []ResourceType `json:"depends_on,omitempty"`

	// Plugin implements the deploy steps.
	Plugin Plugin `json:"-" validate:"-"`

	// Help is a human readable description.
	Help string `json:"help,omitempty"`
}

// Registry maps type tags to their definitions. It is created by the caller
// and passed to the Controller.
type Registry struct {
	mu       sync.RWMutex
	types    map[ResourceType]*TypeDefinition
	order    []ResourceType
	validate *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[ResourceType]*TypeDefinition),
		validate: validator.New(),
	}
}

// Register validates def and adds it to the registry.
func (r *Registry) Register(def TypeDefinition) error {
	if err := r.validate.Struct(def); err != nil {
		return NewPermanentError(fmt.Sprintf("invalid type definition %q", def.Name), err).
			WithCode(ErrCodeValidation)
	}
	if def.Plugin == nil {
		return NewPermanentError(fmt.Sprintf("type %q has no plugin", def.Name), nil).
			WithCode(ErrCodeValidation)
	}

	def.Attributes = append([]AttributeSpec(nil), def.Attributes...)
	def.DependsOn = append([]ResourceType(nil), def.DependsOn...)
	for _, dep := range def.DependsOn {
		if dep == def.Name {
			return NewPermanentError(fmt.Sprintf("type %q depends on itself", def.Name), nil).
				WithCode(ErrCodeValidation)
		}
	}

	seen := make(map[string]bool, len(def.Attributes))
	for i := range def.Attributes {
		spec := &def.Attributes[i]
		if seen[spec.Name] {
			return NewPermanentError(fmt.Sprintf("type %q declares attribute %q twice", def.Name, spec.Name), nil).
				WithCode(ErrCodeValidation)
		}
		seen[spec.Name] = true

		if spec.Default == nil {
			continue
		}
		v, err := checkValue(r.validate, spec, spec.Default)
		if err != nil {
			return NewPermanentError(fmt.Sprintf("type %q: invalid default for attribute %q", def.Name, spec.Name), err).
				WithCode(ErrCodeValidation)
		}
		spec.Default = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[def.Name]; exists {
		return NewConflictError(fmt.Sprintf("type %q already registered", def.Name), nil).
			WithCode(ErrCodeValidation)
	}

	r.types[def.Name] = &def
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def TypeDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition of a type.
func (r *Registry) Lookup(rtype ResourceType) (*TypeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.types[rtype]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown resource type %q", rtype), nil).
			WithCode(ErrCodeUnknownType)
	}
	return def, nil
}

// Types returns the registered type tags in registration order.
func (r *Registry) Types() []ResourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ResourceType(nil), r.order...)
}

// DependsOn reports whether resources of type from wait for connected
// resources of type to.
func (r *Registry) DependsOn(from, to ResourceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.types[from]
	if !ok {
		return false
	}
	for _, t := range def.DependsOn {
		if t == to {
			return true
		}
	}
	return false
}
