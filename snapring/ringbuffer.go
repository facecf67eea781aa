// Package snapring provides a fixed-capacity, lock-free ring buffer of recent
// items, which overwrites the oldest item once full.
package snapring

import (
	"errors"
	"iter"
	"sync/atomic"
)

// ErrInvalidCapacity is returned when a ring buffer is constructed with a
// capacity less than 1.
var ErrInvalidCapacity = errors.New("ring buffer capacity must be at least 1")

// RingBuffer is a fixed-size collection of recent items. Writers never block
// and never take locks: each Add claims a ticket with a single atomic
// increment, and then stores the item in slot ticket mod capacity.
//
// Allocating a ticket and storing the item are not paired atomically, so a
// concurrent reader may observe a claimed ticket whose slot doesn't yet hold
// the corresponding item. Readers skip such slots rather than returning them.
// This favors write throughput over strict linearizability.
type RingBuffer[T any] struct {
	cap   uint64
	next  atomic.Uint64 // write ticket counter
	slots []atomic.Pointer[slot[T]]
}

// slot pairs a value with the ticket it was written under, so readers can
// tell a current value from a stale or not-yet-overwritten one.
type slot[T any] struct {
	ticket uint64
	val    T
}

// NewRingBuffer returns an empty ring buffer of items, pre-allocated with the
// given capacity, which must be at least 1.
func NewRingBuffer[T any](capacity int) (*RingBuffer[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &RingBuffer[T]{
		cap:   uint64(capacity),
		slots: make([]atomic.Pointer[slot[T]], capacity),
	}, nil
}

// MustNewRingBuffer is like NewRingBuffer, but panics on error.
func MustNewRingBuffer[T any](capacity int) *RingBuffer[T] {
	rb, err := NewRingBuffer[T](capacity)
	if err != nil {
		panic(err)
	}
	return rb
}

// Cap returns the capacity of the ring buffer.
func (rb *RingBuffer[T]) Cap() int {
	return int(rb.cap)
}

// Add the value to the ring buffer, overwriting the oldest value if the buffer
// is full. Add never blocks, and returns the ticket assigned to the value.
func (rb *RingBuffer[T]) Add(val T) (ticket uint64) {
	ticket = rb.next.Add(1) - 1

	var (
		s = &slot[T]{ticket: ticket, val: val}
		p = &rb.slots[ticket%rb.cap]
	)
	for {
		cur := p.Load()
		if cur != nil && cur.ticket > ticket {
			return ticket // a newer write for this slot already landed
		}
		if p.CompareAndSwap(cur, s) {
			return ticket
		}
	}
}

// Len returns the number of live values, which is the smaller of the total
// number of writes and the capacity.
func (rb *RingBuffer[T]) Len() int {
	return int(min(rb.next.Load(), rb.cap))
}

// window returns the range of tickets [start, end) which may be live, based on
// a single read of the ticket counter.
func (rb *RingBuffer[T]) window() (start, end uint64) {
	end = rb.next.Load()
	if end > rb.cap {
		start = end - rb.cap
	}
	return start, end
}

// load returns the value written under the given ticket, if that value is
// present and hasn't been overwritten.
func (rb *RingBuffer[T]) load(ticket uint64) (T, bool) {
	s := rb.slots[ticket%rb.cap].Load()
	if s == nil || s.ticket != ticket {
		var zero T
		return zero, false
	}
	return s.val, true
}

// Oldest returns a sequence of the values in the ring buffer, from the oldest
// to the newest. The window of values is fixed when Oldest is called; ranging
// over the sequence more than once re-reads the same window. Values that are
// still being written, or which were overwritten after the call, are skipped.
func (rb *RingBuffer[T]) Oldest() iter.Seq[T] {
	start, end := rb.window()
	return func(yield func(T) bool) {
		for t := start; t < end; t++ {
			if val, ok := rb.load(t); ok {
				if !yield(val) {
					return
				}
			}
		}
	}
}

// Newest is the exact reverse of Oldest: values go from the newest to the
// oldest.
func (rb *RingBuffer[T]) Newest() iter.Seq[T] {
	start, end := rb.window()
	return func(yield func(T) bool) {
		for t := end; t > start; t-- {
			if val, ok := rb.load(t - 1); ok {
				if !yield(val) {
					return
				}
			}
		}
	}
}

// Snapshot returns the values in the ring buffer, from oldest to newest.
func (rb *RingBuffer[T]) Snapshot() []T {
	res := make([]T, 0, rb.Len())
	for val := range rb.Oldest() {
		res = append(res, val)
	}
	return res
}

// Walk calls the given function for each value in the ring buffer, starting
// with the most recent value, and ending with the oldest value. If the function
// returns an error, the walk stops, and that error is returned. Unlike a mutex
// based buffer, Walk doesn't block concurrent calls to Add.
func (rb *RingBuffer[T]) Walk(fn func(T) error) error {
	for val := range rb.Newest() {
		if err := fn(val); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the newest and oldest values in the ring buffer, as well as the
// number of values counted between them.
func (rb *RingBuffer[T]) Stats() (newest, oldest T, count int) {
	for val := range rb.Newest() {
		if count == 0 {
			newest = val
		}
		oldest = val
		count++
	}
	return newest, oldest, count
}

// Clear resets every slot, and resets the ticket counter to zero.
//
// Clear is best-effort. If it races with concurrent calls to Add, the buffer
// may end up in a mixed state, with some slots cleared and others freshly
// written. Callers must not rely on an exact post-clear state while writers
// are active.
func (rb *RingBuffer[T]) Clear() {
	for i := range rb.slots {
		rb.slots[i].Store(nil)
	}
	rb.next.Store(0)
}
