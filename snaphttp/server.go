package snaphttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/snaptrace"
)

// SessionHeader carries the session ID of the observer serving a dump.
const SessionHeader = "Snaptrace-Session"

// Server provides an HTTP interface to an observer.
//
// Requests which Accept text/event-stream receive a live stream of entries as
// they're recorded. All other requests receive a dump of the current entries.
type Server struct {
	obs *snaptrace.Observer

	// Logger for diagnostic messages. Optional.
	Logger *log.Logger
}

// NewServer returns a server for the observer.
func NewServer(obs *snaptrace.Observer) *Server {
	return &Server{
		obs:    obs,
		Logger: log.New(io.Discard, "", 0),
	}
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	if !s.obs.Initialized() {
		respondError(w, fmt.Errorf("observer not initialized"), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set(SessionHeader, s.obs.SessionID())

	switch {
	case RequestExplicitlyAccepts(r, "text/event-stream"):
		s.serveStream(w, r)
	default:
		s.serveDump(w, r)
	}
}

// serveDump writes the current entries, one envelope per line by default, or
// as a JSON array if format=json. Entries go from oldest to newest, unless
// order=newest. If n is given, only the most recent n entries are included.
func (s *Server) serveDump(w http.ResponseWriter, r *http.Request) {
	var (
		query   = r.URL.Query()
		entries = s.obs.Snapshot()
		n       = parseRange(query.Get("n"), strconv.Atoi, 0, 0, len(entries))
		newest  = query.Get("order") == "newest"
		asJSON  = query.Get("format") == "json" || RequestExplicitlyAccepts(r, "application/json")
	)

	if n > 0 {
		entries = entries[len(entries)-n:]
	}

	if newest {
		slices.Reverse(entries)
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = s.obs.Serialize(e)
	}

	s.Logger.Printf("dump: %d entries, newest=%v json=%v", len(lines), newest, asJSON)

	if asJSON {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		io.WriteString(w, "["+strings.Join(lines, ",")+"]\n")
		return
	}

	w.Header().Set("content-type", "application/x-ndjson")
	for _, line := range lines {
		io.WriteString(w, line+"\n")
	}
}

// serveStream writes a server-sent event stream. An init event describes the
// stream, each recorded entry is sent as an entry event, and observer stats are
// sent periodically as a stats event.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	var (
		ctx       = r.Context()
		query     = r.URL.Query()
		interval  = parseDefault(query.Get("stats"), time.ParseDuration, 10*time.Second)
		sendbuf   = parseRange(query.Get("sendbuf"), strconv.Atoi, 0, 100, 100000)
		recordc   = make(chan snaptrace.Recorded, sendbuf)
		donec     = make(chan struct{})
		sessionID = s.obs.SessionID()
	)

	if interval < time.Second {
		interval = time.Second
	}

	s.Logger.Printf("stream: stats interval %s, send buffer %d", interval, sendbuf)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		stats, err := s.obs.Subscribe(ctx, recordc)
		s.Logger.Printf("stream: subscription done, sends=%d drops=%d, error=%v", stats.Sends, stats.Drops, err)
		close(donec)
	}()
	defer func() {
		cancel()
		<-donec
	}()

	eventsource.Handler(func(lastID string, encoder *eventsource.Encoder, stop <-chan bool) {
		s.Logger.Printf("stream: handler started, last ID %q", lastID)

		stats := time.NewTicker(interval)
		defer stats.Stop()

		initc := make(chan struct{}, 1)
		initc <- struct{}{}

		for {
			select {
			case <-initc:
				data, err := json.Marshal(map[string]any{
					"session_id": sessionID,
					"capacity":   s.obs.Capacity(),
					"sendbuf":    cap(recordc),
				})
				if err != nil {
					s.Logger.Printf("stream: marshal init: %v", err)
					continue
				}

				if err := encoder.Encode(eventsource.Event{
					Type: "init",
					Data: data,
				}); err != nil {
					s.Logger.Printf("stream: encode init: %v", err)
					continue
				}

			case <-stats.C:
				data, err := json.Marshal(s.obs.Stats())
				if err != nil {
					s.Logger.Printf("stream: marshal stats: %v", err)
					continue
				}

				if err := encoder.Encode(eventsource.Event{
					Type: "stats",
					Data: data,
				}); err != nil {
					s.Logger.Printf("stream: encode stats: %v", err)
					continue
				}

			case recv := <-recordc:
				if err := encoder.Encode(eventsource.Event{
					Type: "entry",
					ID:   EventID(sessionID, recv.Ticket),
					Data: []byte(s.obs.Serialize(recv.Entry)),
				}); err != nil {
					s.Logger.Printf("stream: encode entry: %v", err)
					continue
				}

			case <-donec:
				s.Logger.Printf("stream: stopping, subscription done")
				return

			case <-stop:
				s.Logger.Printf("stream: stopping, stop signal")
				cancel()
				return

			case <-ctx.Done():
				s.Logger.Printf("stream: stopping, context done (%v)", ctx.Err())
				return
			}
		}
	}).ServeHTTP(w, r)
}

// EventID returns the ID of the stream event for the entry recorded under the
// given ticket by the given observer session.
func EventID(sessionID string, ticket uint64) string {
	return sessionID + "-" + strconv.FormatUint(ticket, 10)
}

// ParseEventID is the inverse of EventID.
func ParseEventID(id string) (sessionID string, ticket uint64, err error) {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid event ID %q", id)
	}
	ticket, err = strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid event ID %q: %w", id, err)
	}
	return id[:i], ticket, nil
}
