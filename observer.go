package snaptrace

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/snaptrace/internal/snapdebug"
	"github.com/peterbourgon/snaptrace/internal/snappubsub"
	"github.com/peterbourgon/snaptrace/snapring"
)

// Config for an observer.
type Config struct {
	// Capacity is the number of recent entries retained. Required, at least 1.
	Capacity int

	// RecordTimestamp includes the entry timestamp in serialized envelopes.
	RecordTimestamp bool

	// Output receives the text of every dump. Optional, by default dumps are
	// discarded, which is only useful when dumps are read another way, e.g.
	// via package snaphttp.
	Output Output

	// Logger receives diagnostics about degraded operations, e.g. an output
	// that panics. Optional, by default diagnostics are discarded.
	Logger *log.Logger

	// CrashOutput, if set, is installed via debug.SetCrashOutput, so fatal
	// runtime errors which can't be recovered still leave a traceback.
	CrashOutput *os.File

	// Opaque renders user-defined structured values as their display strings,
	// rather than traversing them. See WithOpaque.
	Opaque bool

	// MaxDepth limits the nesting depth of serialized values. Optional, by
	// default 64.
	MaxDepth int

	// MaxNodes limits the number of values serialized for each of an entry's
	// data and context. Optional, by default 100000.
	MaxNodes int

	// Describers is the registry of type adapters used when serializing
	// entries. Optional, by default the registry populated by Describe.
	Describers *Describers
}

func (c Config) validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity %d: %w", c.Capacity, snapring.ErrInvalidCapacity)
	}
	return nil
}

// Observer is a flight recorder: it retains the most recent entries in a
// fixed-size buffer, and dumps them to an output on demand, or when the
// program crashes.
//
// An observer starts out uninitialized, in which state every operation is a
// no-op. The first successful call to Initialize configures the observer, and
// that configuration can't be changed.
//
// Observers are safe for concurrent use. Record and Dump never panic.
type Observer struct {
	initmtx sync.Mutex // serializes Initialize
	state   atomic.Pointer[observerState]
	broker  *snappubsub.Broker[Recorded]
}

type observerState struct {
	config     Config
	buffer     *snapring.RingBuffer[Entry]
	logger     *log.Logger
	sessionID  string
	started    time.Time
	mtx        sync.Mutex // serializer
	serializer *Serializer
}

// Recorded is an entry along with the ticket it was recorded under. Tickets
// increase monotonically over the lifetime of an observer.
type Recorded struct {
	Ticket uint64
	Entry  Entry
}

// NewObserver returns a new, uninitialized observer.
func NewObserver() *Observer {
	return &Observer{
		broker: snappubsub.NewBroker[Recorded](),
	}
}

// Initialize the observer with the given config. Only the first successful call
// has any effect; later calls return nil without changing anything, even if
// their config is different. An invalid config returns an error, and leaves
// the observer uninitialized. Calls that return nil return only once the
// observer is fully initialized.
func (o *Observer) Initialize(c Config) error {
	if o.state.Load() != nil {
		return nil
	}

	o.initmtx.Lock()
	defer o.initmtx.Unlock()

	if o.state.Load() != nil {
		return nil
	}

	s, err := newObserverState(c)
	if err != nil {
		return fmt.Errorf("initialize observer: %w", err)
	}

	o.state.Store(s)
	return nil
}

func newObserverState(c Config) (*observerState, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	buffer, err := snapring.NewRingBuffer[Entry](c.Capacity)
	if err != nil {
		return nil, err
	}

	if c.Output == nil {
		c.Output = DiscardOutput
	}

	logger := c.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if c.CrashOutput != nil {
		if err := debug.SetCrashOutput(c.CrashOutput, debug.CrashOptions{}); err != nil {
			return nil, fmt.Errorf("set crash output: %w", err)
		}
	}

	describers := c.Describers
	if describers == nil {
		describers = defaultDescribers
	}

	now := time.Now().UTC()

	return &observerState{
		config:    c,
		buffer:    buffer,
		logger:    logger,
		sessionID: ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		started:   now,
		serializer: NewSerializer(c.RecordTimestamp,
			WithDescribers(describers),
			WithOpaque(c.Opaque),
			WithMaxDepth(c.MaxDepth),
			WithMaxNodes(c.MaxNodes),
		),
	}, nil
}

// Initialized returns true if the observer has been successfully initialized.
func (o *Observer) Initialized() bool {
	return o.state.Load() != nil
}

// Capacity returns the configured capacity, or 0 if the observer isn't
// initialized.
func (o *Observer) Capacity() int {
	if s := o.state.Load(); s != nil {
		return s.buffer.Cap()
	}
	return 0
}

// Count returns the number of entries currently retained.
func (o *Observer) Count() int {
	if s := o.state.Load(); s != nil {
		return s.buffer.Len()
	}
	return 0
}

// SessionID returns a unique ID, assigned when the observer is initialized.
func (o *Observer) SessionID() string {
	if s := o.state.Load(); s != nil {
		return s.sessionID
	}
	return ""
}

// Record the entry. If the observer isn't initialized, the entry is dropped.
// Record never blocks on readers, and is safe to call while a panic is
// unwinding.
func (o *Observer) Record(e Entry) {
	s := o.state.Load()
	if s == nil {
		snapdebug.Observer.Dropped.Add(1)
		return
	}

	ticket := s.buffer.Add(e)
	snapdebug.Observer.Records.Add(1)

	if o.broker.Active() {
		if o.broker.Publish(Recorded{Ticket: ticket, Entry: e}) > 0 {
			snapdebug.Observer.Published.Add(1)
		}
	}
}

// Snapshot returns the retained entries, from oldest to newest.
func (o *Observer) Snapshot() []Entry {
	s := o.state.Load()
	if s == nil {
		return []Entry{}
	}
	return s.buffer.Snapshot()
}

// Serialize the entry with the observer's serializer. If the observer isn't
// initialized, a default serializer is used.
func (o *Observer) Serialize(e Entry) string {
	s := o.state.Load()
	if s == nil {
		return NewSerializer(false).Serialize(e)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.serializer.Serialize(e)
}

// Render returns the text of a dump of the current entries, from oldest to
// newest, one serialized entry per line.
func (o *Observer) Render() string {
	s := o.state.Load()
	if s == nil {
		return ""
	}
	text, _ := s.render()
	return text
}

// Dump renders the current entries, and writes the text to the configured
// output. If the observer isn't initialized, Dump does nothing. It never
// panics: failures while rendering or writing are logged and swallowed.
func (o *Observer) Dump() {
	s := o.state.Load()
	if s == nil {
		return
	}

	snapdebug.Observer.Dumps.Add(1)

	text, err := s.render()
	if err != nil {
		s.logger.Printf("snaptrace: dump: %v", err)
	}

	s.write(text)
}

func (s *observerState) render() (text string, err error) {
	var sb strings.Builder

	defer func() {
		if x := recover(); x != nil {
			snapdebug.Observer.DumpPanics.Add(1)
			err = fmt.Errorf("render panic: %s", safeString(x))
			text = sb.String()
		}
	}()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	first := true
	for e := range s.buffer.Oldest() {
		if !first {
			sb.WriteByte('\n')
		}
		first = false
		sb.WriteString(s.serializer.Serialize(e))
	}

	return sb.String(), nil
}

func (s *observerState) write(text string) {
	defer func() {
		if x := recover(); x != nil {
			snapdebug.Observer.SinkPanics.Add(1)
			s.logger.Printf("snaptrace: output panic: %s", safeString(x))
		}
	}()
	s.config.Output(text)
}

// Subscribe forwards every subsequently recorded entry to ch, until the
// context is canceled. Entries are dropped for subscribers that aren't ready
// to receive them. Subscribe blocks until the context is canceled, and returns
// stats about the subscription.
func (o *Observer) Subscribe(ctx context.Context, ch chan<- Recorded) (StreamStats, error) {
	snapdebug.Observer.Subscribers.Add(1)
	defer snapdebug.Observer.Subscribers.Add(-1)

	stats, err := o.broker.Subscribe(ctx, nil, ch)
	return StreamStats{Sends: stats.Sends, Drops: stats.Drops}, err
}

// StreamStats describe the entries delivered to a subscriber.
type StreamStats struct {
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

// Stats is a summary of the state of an observer, and of process-wide
// counters for all observers.
type Stats struct {
	SessionID       string    `json:"session_id"`
	Started         time.Time `json:"started"`
	Capacity        int       `json:"capacity"`
	Count           int       `json:"count"`
	Records         uint64    `json:"records"`
	Dropped         uint64    `json:"dropped"`
	Dumps           uint64    `json:"dumps"`
	DumpPanics      uint64    `json:"dump_panics"`
	SinkPanics      uint64    `json:"sink_panics"`
	Hooks           uint64    `json:"hooks"`
	Published       uint64    `json:"published"`
	Subscribers     int64     `json:"subscribers"`
	Serialized      uint64    `json:"serialized"`
	Cycles          uint64    `json:"cycles"`
	DegradedPercent float64   `json:"degraded_percent"`
}

// Stats returns a summary of the observer.
func (o *Observer) Stats() Stats {
	var (
		records, dropped, dumps, hooks = snapdebug.Observer.Values()
		stats                          = Stats{
			Records:         records,
			Dropped:         dropped,
			Dumps:           dumps,
			DumpPanics:      snapdebug.Observer.DumpPanics.Load(),
			SinkPanics:      snapdebug.Observer.SinkPanics.Load(),
			Hooks:           hooks,
			Published:       snapdebug.Observer.Published.Load(),
			Subscribers:     snapdebug.Observer.Subscribers.Load(),
			Serialized:      snapdebug.Serializer.Entries.Load(),
			Cycles:          snapdebug.Serializer.Cycles.Load(),
			DegradedPercent: snapdebug.Serializer.DegradedPercent(),
		}
	)
	if s := o.state.Load(); s != nil {
		stats.SessionID = s.sessionID
		stats.Started = s.started
		stats.Capacity = s.buffer.Cap()
		stats.Count = s.buffer.Len()
	}
	return stats
}
