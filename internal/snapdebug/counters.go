package snapdebug

import "sync/atomic"

// ObserverCounters track operations on an observer.
type ObserverCounters struct {
	Records     atomic.Uint64
	Dropped     atomic.Uint64 // records before initialization
	Dumps       atomic.Uint64
	DumpPanics  atomic.Uint64
	SinkPanics  atomic.Uint64
	Hooks       atomic.Uint64
	Published   atomic.Uint64
	Subscribers atomic.Int64
}

// Values returns the current values of the counters.
func (oc *ObserverCounters) Values() (records, dropped, dumps, hooks uint64) {
	var (
		r = oc.Records.Load()
		x = oc.Dropped.Load()
		d = oc.Dumps.Load()
		h = oc.Hooks.Load()
	)
	return r, x, d, h
}

// SerializerCounters track the outcome of serializing entries.
type SerializerCounters struct {
	Entries        atomic.Uint64
	FieldErrors    atomic.Uint64
	EnvelopeErrors atomic.Uint64
	Cycles         atomic.Uint64
}

// DegradedPercent returns the percent (0..100) of serialized entries that had
// at least one degraded field.
func (sc *SerializerCounters) DegradedPercent() float64 {
	var (
		entries = sc.Entries.Load()
		errs    = sc.FieldErrors.Load() + sc.EnvelopeErrors.Load()
	)
	if entries <= 0 {
		return 0.0
	}
	return 100 * float64(min(errs, entries)) / float64(entries)
}

var (
	// Observer tracks all observers in the process.
	Observer ObserverCounters

	// Serializer tracks all serializers in the process.
	Serializer SerializerCounters
)
