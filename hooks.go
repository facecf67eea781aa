package snaptrace

import (
	"github.com/peterbourgon/snaptrace/internal/snapdebug"
)

// RecoverAndDump must be deferred directly, typically at the top of main, or
// of a goroutine. If the goroutine is panicking, it records an Error entry for
// the panic, dumps the observer, and then panics again with the original
// value, so the failure propagates exactly as it would have otherwise.
//
//	func main() {
//	    defer obs.RecoverAndDump()
//	    ...
//	}
//
// If the observer isn't initialized, the panic propagates without a dump.
func (o *Observer) RecoverAndDump() {
	if x := recover(); x != nil {
		o.crash(x)
		panic(x)
	}
}

// crash records an entry describing the panic value x, and dumps. It must be
// called from a deferred function, while the panic is in progress.
func (o *Observer) crash(x any) {
	if !o.Initialized() {
		return
	}
	defer func() { recover() }() // never mask the original panic

	snapdebug.Observer.Hooks.Add(1)
	method, frames := panicStack()
	o.Record(NewEntry(method, panicMessage(x), frames, StatusError))
	o.Dump()
}

// Go runs fn in a new goroutine, for work whose result nobody waits for. If fn
// returns a non-nil error, the error would otherwise go unobserved, so Go
// records an Error entry for it, and dumps the observer. The error doesn't
// cause the program to fail. If fn panics, it's handled like RecoverAndDump:
// the observer is dumped, and the panic continues, crashing the program.
func (o *Observer) Go(fn func() error) {
	var (
		method = funcName(fn)
		origin = callerStack(1)
	)
	go func() {
		defer o.RecoverAndDump()
		if err := fn(); err != nil {
			o.unobserved(method, err, origin)
		}
	}()
}

func (o *Observer) unobserved(method string, err error, origin []Frame) {
	if !o.Initialized() {
		return
	}
	defer func() { recover() }()

	snapdebug.Observer.Hooks.Add(1)
	o.Record(NewEntry(method, safeString(err), origin, StatusError))
	o.Dump()
}

func panicMessage(x any) string {
	return safeString(x)
}
