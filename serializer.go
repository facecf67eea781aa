package snaptrace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/snaptrace/internal/snapdebug"
)

// Envelope is the JSON form of a single entry in a dump. Keys are written in
// field order.
//
// SerializationError is present only if something went wrong. If only the data
// or context values failed, it's an object with DataError and/or ContextError
// string fields. If the envelope as a whole couldn't be produced, it's a
// string, and Data and Context hold the string forms of the values.
type Envelope struct {
	Status             Status          `json:"Status"`
	Method             string          `json:"Method"`
	Timestamp          *time.Time      `json:"Timestamp,omitempty"`
	Data               json.RawMessage `json:"Data"`
	Context            json.RawMessage `json:"Context"`
	SerializationError json.RawMessage `json:"SerializationError,omitempty"`
}

type fieldErrors struct {
	DataError    string `json:"DataError,omitempty"`
	ContextError string `json:"ContextError,omitempty"`
}

// Serializer converts entries to single-line JSON text. Serialize never panics
// and never returns an error: failures are recorded within the output.
//
// A serializer can be used by one goroutine at a time.
type Serializer struct {
	includeTimestamp bool
	describers       *Describers
	opaque           bool
	maxDepth         int
	maxNodes         int
	enc              *encoder
}

// SerializerOption configures a serializer.
type SerializerOption func(*Serializer)

// WithDescribers sets the registry of type adapters used by the serializer. By
// default, the registry populated by [Describe] is used.
func WithDescribers(d *Describers) SerializerOption {
	return func(s *Serializer) { s.describers = d }
}

// WithOpaque renders values of user-defined structured types as their display
// string, unless they're described by a Describer or registered adapter, or
// implement a marshaling interface. Generic containers like []any and
// map[string]any are still traversed.
func WithOpaque(opaque bool) SerializerOption {
	return func(s *Serializer) { s.opaque = opaque }
}

// WithMaxDepth sets the maximum nesting depth of serialized values. Values
// deeper than this render as "[MaxDepth]".
func WithMaxDepth(depth int) SerializerOption {
	return func(s *Serializer) { s.maxDepth = depth }
}

// WithMaxNodes sets the maximum number of values serialized for each of an
// entry's data and context. Values past the limit render as "[MaxNodes]".
func WithMaxNodes(n int) SerializerOption {
	return func(s *Serializer) { s.maxNodes = n }
}

// NewSerializer returns a serializer. If includeTimestamp is true, every
// envelope carries the entry's timestamp as an ISO-8601 UTC string.
func NewSerializer(includeTimestamp bool, options ...SerializerOption) *Serializer {
	s := &Serializer{
		includeTimestamp: includeTimestamp,
		describers:       defaultDescribers,
		maxDepth:         defaultMaxDepth,
		maxNodes:         defaultMaxNodes,
	}
	for _, option := range options {
		option(s)
	}
	s.enc = newEncoder(s.describers, s.opaque, s.maxDepth, s.maxNodes)
	return s
}

// Serialize returns the entry as a single line of JSON.
func (s *Serializer) Serialize(e Entry) (out string) {
	snapdebug.Serializer.Entries.Add(1)

	defer func() {
		if x := recover(); x != nil {
			out = s.fallback(e, "panic: "+safeString(x))
		}
	}()

	env := Envelope{
		Status: e.Status,
		Method: e.Method,
	}

	if s.includeTimestamp {
		ts := e.Timestamp.UTC()
		env.Timestamp = &ts
	}

	var errs fieldErrors
	env.Data, errs.DataError = s.enc.encodeField(e.Data)
	env.Context, errs.ContextError = s.enc.encodeField(e.Context)

	if errs != (fieldErrors{}) {
		b, err := json.Marshal(errs)
		if err != nil {
			return s.fallback(e, err.Error())
		}
		env.SerializationError = b
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return s.fallback(e, err.Error())
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// fallback builds a minimal envelope by hand, from values that can't fail.
func (s *Serializer) fallback(e Entry, msg string) (out string) {
	snapdebug.Serializer.EnvelopeErrors.Add(1)

	defer func() {
		if x := recover(); x != nil {
			out = `{"Status":"Error","Method":"","Data":null,"Context":null,"SerializationError":"unrecoverable"}`
		}
	}()

	field := func(b []byte, v any) []byte {
		if v == nil {
			return append(b, "null"...)
		}
		return appendString(b, displayString(v))
	}

	b := make([]byte, 0, 128)
	b = append(b, `{"Status":`...)
	b = appendString(b, e.Status.String())
	b = append(b, `,"Method":`...)
	b = appendString(b, e.Method)
	if s.includeTimestamp {
		b = append(b, `,"Timestamp":`...)
		b = appendString(b, e.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	b = append(b, `,"Data":`...)
	b = field(b, e.Data)
	b = append(b, `,"Context":`...)
	b = field(b, e.Context)
	b = append(b, `,"SerializationError":`...)
	b = appendString(b, msg)
	b = append(b, '}')
	return string(b)
}

// ParseDump parses newline-delimited envelopes. Blank lines are ignored.
func ParseDump(text string) ([]Envelope, error) {
	var (
		res = []Envelope{}
		s   = bufio.NewScanner(strings.NewReader(text))
		n   = 0
	)
	s.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for s.Scan() {
		n++
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		res = append(res, env)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan dump: %w", err)
	}
	return res, nil
}
