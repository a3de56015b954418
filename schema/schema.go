package schema

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateKey = errors.New("schema: duplicate field key")
	ErrFrozen       = errors.New("schema: registry is frozen")
	ErrUnknownField = errors.New("schema: unknown field")
	ErrTypeMismatch = errors.New("schema: type mismatch")
)

// Kind is the semantic type of a field value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindTable
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTable:
		return "table"
	case KindVector:
		return "vector"
	}
	return "unknown"
}

// Visibility controls which observers a field is synchronized to.
type Visibility int

const (
	// Public fields reach every observer subscribed to the character.
	Public Visibility = iota
	// OwnerOnly fields reach only the session that owns the character.
	OwnerOnly
	// Private fields never leave the server process.
	Private
)

// Vec3 is the value type for KindVector fields.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// OnChangeFunc is invoked after a field's value changes. charID identifies
// the record; old may be nil when the field had no prior explicit value.
type OnChangeFunc func(charID int64, old, new interface{})

// FieldDef is the static metadata for one character field. Definitions are
// registered once during startup; type and visibility never change afterwards.
type FieldDef struct {
	Key        string
	Kind       Kind
	Default    interface{}
	Persisted  bool
	Visibility Visibility
	Mutable    bool
	OnChange   OnChangeFunc
}

// Registry holds all field definitions for one schema. It is populated on a
// single goroutine during startup and frozen before any record is built, so
// reads after Freeze need no locking.
type Registry struct {
	fields map[string]FieldDef
	order  []string
	frozen bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fields: make(map[string]FieldDef)}
}

// Register adds a field definition. Fails with ErrDuplicateKey if the key is
// already registered and ErrFrozen after Freeze has been called.
func (r *Registry) Register(def FieldDef) error {
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.fields[def.Key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, def.Key)
	}
	r.fields[def.Key] = def
	r.order = append(r.order, def.Key)
	return nil
}

// MustRegister is Register for init-time schemas where a failure is a bug.
func (r *Registry) MustRegister(def FieldDef) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Freeze forbids further registration. Called once startup completes.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Get returns the definition for key.
func (r *Registry) Get(key string) (FieldDef, bool) {
	def, ok := r.fields[key]
	return def, ok
}

// Keys returns all field keys in registration order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Validate checks value against the declared kind of key and returns the
// normalized value (numbers become float64). Fails with ErrUnknownField or
// ErrTypeMismatch.
func (r *Registry) Validate(key string, value interface{}) (interface{}, error) {
	def, ok := r.fields[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, key)
	}
	norm, ok := coerce(def.Kind, value)
	if !ok {
		return nil, fmt.Errorf("%w: field %q wants %s, got %T", ErrTypeMismatch, key, def.Kind, value)
	}
	return norm, nil
}

// coerce normalizes value to the canonical Go type for kind.
func coerce(kind Kind, value interface{}) (interface{}, bool) {
	switch kind {
	case KindString:
		v, ok := value.(string)
		return v, ok
	case KindNumber:
		switch v := value.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
		return nil, false
	case KindBool:
		v, ok := value.(bool)
		return v, ok
	case KindTable:
		v, ok := value.(map[string]interface{})
		return v, ok
	case KindVector:
		v, ok := value.(Vec3)
		return v, ok
	}
	return nil, false
}
