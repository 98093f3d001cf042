package engine

import (
	"errors"
	"testing"
)

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		def     TypeDefinition
		wantErr bool
	}{
		{
			name: "valid",
			def: TypeDefinition{
				Name:       "dummy::Node",
				Attributes: []AttributeSpec{{Name: "hostname", Type: AttributeString, Default: "localhost"}},
				Plugin:     PluginFuncs{},
			},
		},
		{
			name:    "missing name",
			def:     TypeDefinition{Plugin: PluginFuncs{}},
			wantErr: true,
		},
		{
			name:    "missing plugin",
			def:     TypeDefinition{Name: "dummy::Node"},
			wantErr: true,
		},
		{
			name: "attribute without name",
			def: TypeDefinition{
				Name:       "dummy::Node",
				Attributes: []AttributeSpec{{Type: AttributeString}},
				Plugin:     PluginFuncs{},
			},
			wantErr: true,
		},
		{
			name: "duplicate attribute",
			def: TypeDefinition{
				Name: "dummy::Node",
				Attributes: []AttributeSpec{
					{Name: "hostname", Type: AttributeString},
					{Name: "hostname", Type: AttributeString},
				},
				Plugin: PluginFuncs{},
			},
			wantErr: true,
		},
		{
			name: "mistyped default",
			def: TypeDefinition{
				Name:       "dummy::Node",
				Attributes: []AttributeSpec{{Name: "cores", Type: AttributeInt, Default: "four"}},
				Plugin:     PluginFuncs{},
			},
			wantErr: true,
		},
		{
			name: "enum default not allowed",
			def: TypeDefinition{
				Name: "dummy::Node",
				Attributes: []AttributeSpec{
					{Name: "role", Type: AttributeEnum, Allowed: []string{"a", "b"}, Default: "c"},
				},
				Plugin: PluginFuncs{},
			},
			wantErr: true,
		},
		{
			name: "depends on itself",
			def: TypeDefinition{
				Name:      "dummy::Switch",
				DependsOn: []ResourceType{"dummy::Node", "dummy::Switch"},
				Plugin:    PluginFuncs{},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.def)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsPermanent(err) {
				t.Errorf("Register() error class = %v, want permanent", err)
			}
			if err != nil && ErrorCode(err) != ErrCodeValidation {
				t.Errorf("Register() code = %q, want %q", ErrorCode(err), ErrCodeValidation)
			}
		})
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	def := TypeDefinition{Name: "dummy::Node", Plugin: PluginFuncs{}}

	if err := reg.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(def); !IsConflict(err) {
		t.Errorf("second Register() error = %v, want conflict", err)
	}
}

func TestRegistry_CopiesDefinition(t *testing.T) {
	reg := NewRegistry()
	attrs := []AttributeSpec{{Name: "cores", Type: AttributeInt, Default: int64(2)}}

	reg.MustRegister(TypeDefinition{Name: "dummy::Node", Attributes: attrs, Plugin: PluginFuncs{}})
	attrs[0].Name = "mutated"

	def, err := reg.Lookup("dummy::Node")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if def.Attributes[0].Name != "cores" {
		t.Errorf("registry shares the caller's slice: %q", def.Attributes[0].Name)
	}
	if def.Attributes[0].Default != 2 {
		t.Errorf("default = %#v, want canonical int 2", def.Attributes[0].Default)
	}
}

func TestRegistry_LookupAndDependsOn(t *testing.T) {
	m := newMocks()
	reg := m.registry(t)

	if _, err := reg.Lookup("nope::Type"); !errors.Is(err, ErrUnknownResourceType) {
		t.Errorf("Lookup(unknown) error = %v, want ErrUnknownResourceType", err)
	}

	want := []ResourceType{typeNode, typeApp, typeService, typeLink}
	got := reg.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	tests := []struct {
		from, to ResourceType
		want     bool
	}{
		{typeApp, typeNode, true},
		{typeNode, typeApp, false},
		{typeService, typeApp, true},
		{typeService, typeNode, false},
		{typeLink, typeNode, false},
		{"nope::Type", typeNode, false},
	}
	for _, tt := range tests {
		if got := reg.DependsOn(tt.from, tt.to); got != tt.want {
			t.Errorf("DependsOn(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRegister() with invalid definition did not panic")
		}
	}()
	NewRegistry().MustRegister(TypeDefinition{})
}
