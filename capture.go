package snaptrace

import (
	"reflect"
	"sync/atomic"

	"github.com/tiendc/go-deepcopy"
)

// Call tracks a single invocation of an instrumented operation. It records a
// Call entry when it's created, and at most one Return or Error entry when it
// completes, however many times it's completed.
//
//	func (s *Store) Put(key string, val []byte) (err error) {
//	    call := obs.Call("Store.Put", key, s.snapshot())
//	    defer call.Finish(&err, nil)
//	    ...
//	}
type Call struct {
	obs     *Observer
	method  string
	context any
	done    atomic.Bool
}

// Call records a Call entry for the method, and returns a tracker which
// records the outcome. The context is also used for the outcome entry.
func (o *Observer) Call(method string, data, context any) *Call {
	o.Record(NewEntry(method, data, context, StatusCall))
	return &Call{
		obs:     o,
		method:  method,
		context: context,
	}
}

// Return records a Return entry with the result. Only the first of Return, Fail,
// or Finish has an effect.
func (c *Call) Return(result any) {
	if c.done.CompareAndSwap(false, true) {
		c.obs.Record(NewEntry(c.method, result, c.context, StatusReturn))
	}
}

// Fail records an Error entry with the error. Only the first of Return, Fail,
// or Finish has an effect.
func (c *Call) Fail(err error) {
	if c.done.CompareAndSwap(false, true) {
		c.obs.Record(NewEntry(c.method, err, c.context, StatusError))
	}
}

// Finish is meant to be deferred directly, with a pointer to the function's
// named error result. If the function is panicking, Finish records an Error
// entry for the panic, and lets the panic continue. Otherwise, it records an
// Error entry if *errp is non-nil, or a Return entry with the result.
//
// If result is a non-nil pointer, the value it points to when Finish runs is
// recorded, which allows named results to be captured.
func (c *Call) Finish(errp *error, result any) {
	if x := recover(); x != nil {
		if c.done.CompareAndSwap(false, true) {
			c.obs.Record(NewEntry(c.method, panicMessage(x), c.context, StatusError))
		}
		panic(x)
	}

	if errp != nil && *errp != nil {
		c.Fail(*errp)
		return
	}

	c.Return(deref(result))
}

func deref(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return v
	}
	return rv.Elem().Interface()
}

//
//
//

type redacted struct{}

// Redacted is a marker value, which should be recorded in place of any value
// that must not appear in dumps. It serializes as "[Redacted]".
var Redacted any = redacted{}

func (redacted) MarshalJSON() ([]byte, error) { return []byte(`"[Redacted]"`), nil }

func (redacted) String() string { return "[Redacted]" }

// DeepCopy returns a deep copy of v, so that later modifications to v aren't
// reflected in recorded entries. If v can't be copied, it's returned as-is.
func DeepCopy[T any](v T) (res T) {
	defer func() {
		if x := recover(); x != nil {
			res = v
		}
	}()

	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return v
	}

	var (
		dst = reflect.New(rv.Type())
		src = reflect.New(rv.Type())
	)
	src.Elem().Set(rv)

	if err := deepcopy.Copy(dst.Interface(), src.Interface()); err != nil {
		return v
	}

	res, ok := dst.Elem().Interface().(T)
	if !ok {
		return v
	}
	return res
}
