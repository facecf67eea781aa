package snaptrace

import (
	"reflect"
	"sync"
)

// Describer is implemented by values which describe themselves in dumps. The
// returned map is serialized in place of the value itself, with keys in sorted
// order. Describers are preferred over structural traversal, and can be used to
// control exactly what state is captured.
type Describer interface {
	SnapDescribe() map[string]any
}

// Describers is a registry of adapters for specific concrete types, which is
// useful for types that can't implement Describer directly, e.g. types from
// other packages. A registered adapter takes precedence over every other form
// of serialization for its type.
//
// Describers is safe for concurrent use.
type Describers struct {
	mtx sync.RWMutex
	set map[reflect.Type]func(any) map[string]any
}

// NewDescribers returns an empty registry.
func NewDescribers() *Describers {
	return &Describers{
		set: map[reflect.Type]func(any) map[string]any{},
	}
}

// RegisterDescriber adds an adapter for values of type T to the registry,
// replacing any existing adapter for that type.
func RegisterDescriber[T any](d *Describers, fn func(T) map[string]any) {
	t := reflect.TypeFor[T]()

	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.set[t] = func(v any) map[string]any { return fn(v.(T)) }
}

func (d *Describers) lookup(t reflect.Type) (func(any) map[string]any, bool) {
	if d == nil {
		return nil, false
	}

	d.mtx.RLock()
	defer d.mtx.RUnlock()

	fn, ok := d.set[t]
	return fn, ok
}

var defaultDescribers = NewDescribers()

// Describe registers an adapter for values of type T in the default registry,
// which is used by every serializer that isn't given a registry explicitly.
func Describe[T any](fn func(T) map[string]any) {
	RegisterDescriber(defaultDescribers, fn)
}
