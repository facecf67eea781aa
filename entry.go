package snaptrace

import (
	"fmt"
	"time"
)

// Status marks the kind of method-call lifecycle event an entry represents.
type Status uint8

const (
	// StatusCall is recorded at method entry.
	StatusCall Status = iota

	// StatusReturn is recorded when a method returns normally.
	StatusReturn

	// StatusError is recorded when a method fails, or when the process
	// crashes.
	StatusError
)

// String implements fmt.Stringer, and returns the name used in dumps.
func (s Status) String() string {
	switch s {
	case StatusCall:
		return "Call"
	case StatusReturn:
		return "Return"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Call":
		*s = StatusCall
	case "Return":
		*s = StatusReturn
	case "Error":
		*s = StatusError
	default:
		return fmt.Errorf("invalid status %q", string(text))
	}
	return nil
}

// Entry represents a single method-call lifecycle event captured by an
// instrumented code path.
//
// Entries are retained for an indeterminate length of time, and read
// concurrently by multiple goroutines. Once created, an entry is expected to be
// immutable, and callers must not modify the Data or Context values it refers
// to. Use [DeepCopy] to capture mutable values.
type Entry struct {
	Method    string    // name of the instrumented operation
	Data      any       // arguments, return value, or error payload; optional
	Context   any       // snapshot of receiver state; optional
	Status    Status    //
	Timestamp time.Time // UTC, captured at construction
}

// NewEntry returns an entry with the given fields, timestamped now.
func NewEntry(method string, data, context any, status Status) Entry {
	return Entry{
		Method:    method,
		Data:      data,
		Context:   context,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	return e.Status.String() + " " + e.Method
}
