// Package snaptrace provides an in-process flight recorder for method calls.
//
// Instrumented code records an [Entry] when an operation is called, when it
// returns, and when it fails. An [Observer] keeps the most recent entries in a
// fixed-size, lock-free ring buffer, and writes them out as a dump on demand,
// or when the program crashes. The dump answers the question of what the
// program was doing just before it failed, without the cost of logging every
// call to a destination like stdout or a file on disk.
//
// The recorder must never destabilize the program it observes. Recording never
// blocks and never panics, and dumps are produced by a [Serializer] which
// degrades values it can't represent into strings, rather than failing. Values
// are serialized according to their actual runtime type, which can be
// controlled with the [Describer] interface, or with per-type adapters
// registered via [Describe].
//
// Go has no global hook for unhandled panics, so crash dumps are produced by
// deferring [Observer.RecoverAndDump] at the top of main or of a goroutine,
// and unobserved errors from background work by starting that work with
// [Observer.Go]. Neither hook swallows the failure: a panic continues to crash
// the program after the dump.
//
// Most programs use the process-wide default observer, via the package-level
// functions [Initialize], [Record], [Dump], and so on. Package
// [github.com/peterbourgon/snaptrace/snaphttp] exposes an observer over HTTP,
// with support for live streaming of entries as they're recorded.
package snaptrace
