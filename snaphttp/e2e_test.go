package snaphttp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/peterbourgon/snaptrace"
	"github.com/peterbourgon/snaptrace/snaphttp"
)

func newObserver(t *testing.T, capacity int) *snaptrace.Observer {
	t.Helper()
	obs := snaptrace.NewObserver()
	if err := obs.Initialize(snaptrace.Config{Capacity: capacity}); err != nil {
		t.Fatal(err)
	}
	return obs
}

func TestE2E(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	obs := newObserver(t, 5)
	httpServer := httptest.NewServer(snaphttp.NewServer(obs))
	defer httpServer.Close()
	client := snaphttp.NewClient(http.DefaultClient, httpServer.URL)

	for i := 0; i < 7; i++ {
		status := snaptrace.StatusCall
		if i%2 == 1 {
			status = snaptrace.StatusReturn
		}
		obs.Record(snaptrace.NewEntry(fmt.Sprintf("op%d", i), map[string]int{"i": i}, nil, status))
	}

	local, err := snaptrace.ParseDump(obs.Render())
	if err != nil {
		t.Fatal(err)
	}

	testDump := func(t *testing.T, req snaphttp.DumpRequest, want []snaptrace.Envelope) {
		t.Helper()

		res, err := client.Dump(ctx, req)
		if err != nil {
			t.Fatal(err)
		}

		if want, have := obs.SessionID(), res.SessionID; want != have {
			t.Errorf("session ID: want %q, have %q", want, have)
		}

		opts := []cmp.Option{
			cmpopts.EquateEmpty(),
		}
		if !cmp.Equal(want, res.Envelopes, opts...) {
			t.Fatal(cmp.Diff(want, res.Envelopes, opts...))
		}
	}

	reverse := func(envs []snaptrace.Envelope) []snaptrace.Envelope {
		res := make([]snaptrace.Envelope, len(envs))
		for i := range envs {
			res[len(envs)-1-i] = envs[i]
		}
		return res
	}

	t.Run("default", func(t *testing.T) { testDump(t, snaphttp.DumpRequest{}, local) })
	t.Run("Newest", func(t *testing.T) { testDump(t, snaphttp.DumpRequest{Newest: true}, reverse(local)) })
	t.Run("Limit=2", func(t *testing.T) { testDump(t, snaphttp.DumpRequest{Limit: 2}, local[3:]) })
	t.Run("Limit=2 Newest", func(t *testing.T) { testDump(t, snaphttp.DumpRequest{Limit: 2, Newest: true}, reverse(local[3:])) })
	t.Run("Limit=99", func(t *testing.T) { testDump(t, snaphttp.DumpRequest{Limit: 99}, local) })

	t.Run("format=json", func(t *testing.T) {
		resp, err := http.Get(httpServer.URL + "?format=json")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var envs []snaptrace.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
			t.Fatal(err)
		}
		if !cmp.Equal(local, envs) {
			t.Fatal(cmp.Diff(local, envs))
		}
	})

	t.Run("method", func(t *testing.T) {
		resp, err := http.Post(httpServer.URL, "text/plain", strings.NewReader("x"))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if want, have := http.StatusMethodNotAllowed, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})
}

func TestUninitialized(t *testing.T) {
	t.Parallel()

	httpServer := httptest.NewServer(snaphttp.NewServer(snaptrace.NewObserver()))
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if want, have := http.StatusServiceUnavailable, resp.StatusCode; want != have {
		t.Fatalf("want %d, have %d", want, have)
	}

	_, err = snaphttp.NewClient(nil, httpServer.URL).Dump(context.Background(), snaphttp.DumpRequest{})
	if err == nil {
		t.Fatal("want error, have none")
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	obs := newObserver(t, 10)
	httpServer := httptest.NewServer(snaphttp.NewServer(obs))
	defer httpServer.Close()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		entryc      = make(chan snaphttp.StreamEntry, 100)
		initc       = make(chan []byte, 1)
		errc        = make(chan error, 1)
		client      = snaphttp.NewStreamClient(httpServer.URL)
	)
	defer cancel()

	client.OnRead = func(_ context.Context, eventType string, eventData []byte) {
		if eventType == "init" {
			select {
			case initc <- append([]byte(nil), eventData...):
			default:
			}
		}
	}

	go func() { errc <- client.Stream(ctx, entryc) }()

	select {
	case data := <-initc:
		var init struct {
			SessionID string `json:"session_id"`
			Capacity  int    `json:"capacity"`
		}
		if err := json.Unmarshal(data, &init); err != nil {
			t.Fatal(err)
		}
		if want, have := obs.SessionID(), init.SessionID; want != have {
			t.Errorf("init session ID: want %q, have %q", want, have)
		}
		if want, have := 10, init.Capacity; want != have {
			t.Errorf("init capacity: want %d, have %d", want, have)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for init event")
	}

	// The subscription may not be active yet, so record until entries arrive.
	var first snaphttp.StreamEntry
	deadline := time.After(5 * time.Second)
loop:
	for {
		obs.Record(snaptrace.NewEntry("streamed", 1, nil, snaptrace.StatusCall))
		select {
		case first = <-entryc:
			break loop
		case <-deadline:
			t.Fatal("timeout waiting for entry")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if want, have := "streamed", first.Envelope.Method; want != have {
		t.Errorf("method: want %q, have %q", want, have)
	}

	sessionID, _, err := snaphttp.ParseEventID(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := obs.SessionID(), sessionID; want != have {
		t.Errorf("event session ID: want %q, have %q", want, have)
	}

	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Stream: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for stream to stop")
	}
}

func TestStreamReconnect(t *testing.T) {
	t.Parallel()

	var (
		obs      = newObserver(t, 10)
		server   = snaphttp.NewServer(obs)
		requests atomic.Int64
	)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		server.ServeHTTP(w, r)
	}))
	defer httpServer.Close()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		entryc      = make(chan snaphttp.StreamEntry, 100)
		errc        = make(chan error, 1)
		client      = &snaphttp.StreamClient{URI: httpServer.URL, RetryInterval: time.Second}
	)
	defer cancel()

	go func() { errc <- client.Stream(ctx, entryc) }()

	deadline := time.After(10 * time.Second)
loop:
	for {
		obs.Record(snaptrace.NewEntry("after reconnect", nil, nil, snaptrace.StatusCall))
		select {
		case e := <-entryc:
			if want, have := "after reconnect", e.Envelope.Method; want != have {
				t.Errorf("method: want %q, have %q", want, have)
			}
			break loop
		case <-deadline:
			t.Fatal("timeout waiting for entry")
		case <-time.After(50 * time.Millisecond):
		}
	}

	if n := requests.Load(); n < 2 {
		t.Errorf("requests: want at least 2, have %d", n)
	}

	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Stream: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for stream to stop")
	}
}

func TestStreamStatusCodes(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		code    int
		wantErr bool
	}{
		{http.StatusNoContent, false},
		{http.StatusNotFound, true},
		{http.StatusUnauthorized, true},
	} {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			t.Parallel()

			httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer httpServer.Close()

			errc := make(chan error, 1)
			go func() { errc <- snaphttp.NewStreamClient(httpServer.URL).Stream(context.Background(), make(chan snaphttp.StreamEntry)) }()

			select {
			case err := <-errc:
				if have := err != nil; tc.wantErr != have {
					t.Errorf("want error %v, have %v", tc.wantErr, err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("timeout waiting for stream to stop")
			}
		})
	}
}

func TestStreamContentType(t *testing.T) {
	t.Parallel()

	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		io.WriteString(w, "hello")
	}))
	defer httpServer.Close()

	err := snaphttp.NewStreamClient(httpServer.URL).Stream(context.Background(), make(chan snaphttp.StreamEntry))
	if err == nil || !strings.Contains(err.Error(), "content type") {
		t.Fatalf("want content type error, have %v", err)
	}
}

func TestEventID(t *testing.T) {
	t.Parallel()

	id := snaphttp.EventID("01H0000000000000000000000", 42)
	sessionID, ticket, err := snaphttp.ParseEventID(id)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "01H0000000000000000000000", sessionID; want != have {
		t.Errorf("want %q, have %q", want, have)
	}
	if want, have := uint64(42), ticket; want != have {
		t.Errorf("want %d, have %d", want, have)
	}

	for _, bad := range []string{"", "nodash", "abc-xyz"} {
		if _, _, err := snaphttp.ParseEventID(bad); err == nil {
			t.Errorf("%q: want error, have none", bad)
		}
	}
}
