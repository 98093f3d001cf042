package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// AttributeStore holds the typed attribute values of every resource,
// validated against the AttributeSpec table of the resource's type.
type AttributeStore struct {
	mu sync.RWMutex

	// specs maps resource IDs to their type's specs keyed by attribute name.
	specs map[ResourceID]map[string]*AttributeSpec

	// values maps resource IDs to their current attribute values.
	values map[ResourceID]map[string]interface{}

	validate *validator.Validate
}

// NewAttributeStore creates an empty attribute store.
func NewAttributeStore() *AttributeStore {
	return &AttributeStore{
		specs:    make(map[ResourceID]map[string]*AttributeSpec),
		values:   make(map[ResourceID]map[string]interface{}),
		validate: validator.New(),
	}
}

// Register validates the initial attributes of a resource against specs and
// stores them, filling defaults for attributes that were not supplied.
// Unknown names and mistyped values fail with ErrInvalidAttribute.
func (s *AttributeStore) Register(id ResourceID, specs []AttributeSpec, initial map[string]interface{}) error {
	table := make(map[string]*AttributeSpec, len(specs))
	for i := range specs {
		table[specs[i].Name] = &specs[i]
	}

	values := make(map[string]interface{}, len(specs))
	for _, name := range sortedKeys(initial) {
		spec, ok := table[name]
		if !ok {
			return NewPermanentError(fmt.Sprintf("unknown attribute %q", name), nil).
				WithCode(ErrCodeInvalidAttribute).
				WithResource(id)
		}
		v, err := checkValue(s.validate, spec, initial[name])
		if err != nil {
			return NewPermanentError(fmt.Sprintf("invalid value for attribute %q", name), err).
				WithCode(ErrCodeInvalidAttribute).
				WithResource(id)
		}
		values[name] = v
	}

	for name, spec := range table {
		if _, ok := values[name]; ok || spec.Default == nil {
			continue
		}
		values[name] = spec.Default
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[id] = table
	s.values[id] = values
	return nil
}

// Get returns the value of an attribute. A known attribute without a value
// or default returns nil.
func (s *AttributeStore) Get(id ResourceID, name string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.specs[id]
	if !ok {
		return nil, NewPermanentError("resource not found", nil).
			WithCode(ErrCodeUnknownResource).
			WithResource(id)
	}
	if _, ok := table[name]; !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown attribute %q", name), nil).
			WithCode(ErrCodeUnknownAttribute).
			WithResource(id)
	}
	return s.values[id][name], nil
}

// Set updates an attribute. Once started is true only runtime attributes
// may change.
func (s *AttributeStore) Set(id ResourceID, name string, value interface{}, started bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.specs[id]
	if !ok {
		return NewPermanentError("resource not found", nil).
			WithCode(ErrCodeUnknownResource).
			WithResource(id)
	}
	spec, ok := table[name]
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown attribute %q", name), nil).
			WithCode(ErrCodeUnknownAttribute).
			WithResource(id)
	}
	if started && !spec.Runtime() {
		return NewPermanentError(fmt.Sprintf("attribute %q can only be set at design time", name), nil).
			WithCode(ErrCodeReadOnlyAttribute).
			WithResource(id)
	}
	v, err := checkValue(s.validate, spec, value)
	if err != nil {
		return NewPermanentError(fmt.Sprintf("invalid value for attribute %q", name), err).
			WithCode(ErrCodeInvalidAttribute).
			WithResource(id)
	}
	s.values[id][name] = v
	return nil
}

// Values returns a copy of every attribute value of a resource.
func (s *AttributeStore) Values(id ResourceID) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{}, len(s.values[id]))
	for k, v := range s.values[id] {
		out[k] = v
	}
	return out
}

// Remove drops every attribute of a resource.
func (s *AttributeStore) Remove(id ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, id)
	delete(s.values, id)
}

// checkValue type-checks value against spec and returns its canonical form.
func checkValue(v *validator.Validate, spec *AttributeSpec, value interface{}) (interface{}, error) {
	var out interface{}

	switch spec.Type {
	case AttributeString:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		out = str

	case AttributeInt:
		n, err := toInt(value)
		if err != nil {
			return nil, err
		}
		out = n

	case AttributeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		out = b

	case AttributeEnum:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected one of %v, got %T", spec.Allowed, value)
		}
		allowed := false
		for _, a := range spec.Allowed {
			if a == str {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("expected one of %v, got %q", spec.Allowed, str)
		}
		out = str

	default:
		return nil, fmt.Errorf("unsupported attribute type %q", spec.Type)
	}

	if spec.Constraint != "" {
		if err := v.Var(out, spec.Constraint); err != nil {
			return nil, fmt.Errorf("constraint %q: %w", spec.Constraint, err)
		}
	}
	return out, nil
}

// toInt accepts the integer shapes produced by Go code and by the YAML, JSON
// and CUE decoders.
func toInt(value interface{}) (int, error) {
	switch n := value.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		if n < math.MinInt || n > math.MaxInt {
			return 0, fmt.Errorf("integer %d overflows", n)
		}
		return int(n), nil
	case uint:
		if uint64(n) > math.MaxInt {
			return 0, fmt.Errorf("integer %d overflows", n)
		}
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		if uint64(n) > math.MaxInt {
			return 0, fmt.Errorf("integer %d overflows", n)
		}
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("integer %d overflows", n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected int, got fractional %v", n)
		}
		// float64(math.MaxInt) rounds up to 2^63, which is already out of range.
		if math.IsInf(n, 0) || n < math.MinInt || n >= math.MaxInt {
			return 0, fmt.Errorf("integer %v overflows", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected int, got %q", n.String())
		}
		return toInt(i)
	default:
		return 0, fmt.Errorf("expected int, got %T", value)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
