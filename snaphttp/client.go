package snaphttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/snaptrace"
)

// HTTPClient models a concrete http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client fetches dumps from a remote server, assumed to be an instance of the
// server also defined in this package.
type Client struct {
	client  HTTPClient
	baseurl string
}

// NewClient returns a client calling the provided URL. If client is nil,
// http.DefaultClient is used.
func NewClient(client HTTPClient, baseurl string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasPrefix(baseurl, "http") {
		baseurl = "http://" + baseurl
	}
	return &Client{
		client:  client,
		baseurl: baseurl,
	}
}

// DumpRequest specifies which entries to fetch.
type DumpRequest struct {
	// Newest orders entries from newest to oldest, rather than the default of
	// oldest to newest.
	Newest bool

	// Limit the dump to the most recent entries. Optional; 0 means all.
	Limit int
}

// DumpResponse is a dump fetched from a remote server.
type DumpResponse struct {
	SessionID string
	Envelopes []snaptrace.Envelope
	Text      string
}

// Dump fetches the current entries from the remote server.
func (c *Client) Dump(ctx context.Context, req DumpRequest) (*DumpResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseurl, nil)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	query := httpReq.URL.Query()
	if req.Newest {
		query.Set("order", "newest")
	}
	if req.Limit > 0 {
		query.Set("n", strconv.Itoa(req.Limit))
	}
	httpReq.URL.RawQuery = query.Encode()
	httpReq.Header.Set("accept", "application/x-ndjson")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute HTTP request: %w", redactURL(err))
	}
	defer func() {
		io.Copy(io.Discard, httpResp.Body)
		httpResp.Body.Close()
	}()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote status code %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	envs, err := snaptrace.ParseDump(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	return &DumpResponse{
		SessionID: httpResp.Header.Get(SessionHeader),
		Envelopes: envs,
		Text:      strings.TrimSuffix(string(body), "\n"),
	}, nil
}

func redactURL(err error) error {
	if urlErr := (&url.Error{}); errors.As(err, &urlErr) {
		err = fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

//
//
//

// StreamEntry is an entry received from a remote stream.
type StreamEntry struct {
	ID       string
	Envelope snaptrace.Envelope
	Raw      []byte
}

// StreamClient streams entries from a server.
type StreamClient struct {
	// HTTPClient used to make requests. Optional, by default
	// http.DefaultClient.
	HTTPClient HTTPClient

	// URI of the remote server. Required.
	URI string

	// SendBuffer used by the remote server. Min 0, max 100k.
	SendBuffer int

	// OnRead is called for every stream event received by the client.
	// Implementations must not block and must not modify event data.
	OnRead func(ctx context.Context, eventType string, eventData []byte)

	// RetryInterval between reconnect attempts. Default 3s, min 1s, max 60s.
	// The server can change it with the retry field of an event.
	RetryInterval time.Duration

	// StatsInterval for stream stats updates. Default 10s, min 1s, max 60s.
	StatsInterval time.Duration
}

func (c *StreamClient) initialize() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}

	if c.URI != "" && !strings.HasPrefix(c.URI, "http") {
		c.URI = "http://" + c.URI
	}

	if min, max := 0, 100000; c.SendBuffer < min {
		c.SendBuffer = min
	} else if c.SendBuffer > max {
		c.SendBuffer = max
	}

	if c.OnRead == nil {
		c.OnRead = func(ctx context.Context, eventType string, eventData []byte) {}
	}

	if def, min, max := 3*time.Second, 1*time.Second, 60*time.Second; c.RetryInterval == 0 {
		c.RetryInterval = def
	} else if c.RetryInterval < min {
		c.RetryInterval = min
	} else if c.RetryInterval > max {
		c.RetryInterval = max
	}

	if def, min, max := 10*time.Second, 1*time.Second, 60*time.Second; c.StatsInterval == 0 {
		c.StatsInterval = def
	} else if c.StatsInterval < min {
		c.StatsInterval = min
	} else if c.StatsInterval > max {
		c.StatsInterval = max
	}
}

// NewStreamClient constructs a stream client connecting to the provided URI.
func NewStreamClient(uri string) *StreamClient {
	c := &StreamClient{
		URI: uri,
	}
	c.initialize()
	return c
}

// errStreamClosed is returned by connect when the server asks the client to
// stop, via 204 No Content.
var errStreamClosed = errors.New("stream closed by server")

// unrecoverableError wraps errors which stop the stream rather than trigger a
// reconnect.
type unrecoverableError struct{ error }

func (e unrecoverableError) Unwrap() error { return e.error }

// streamState is carried over reconnect attempts.
type streamState struct {
	lastEventID string
	retry       time.Duration
}

// Stream entries from the remote server to the provided channel. Failed
// connections and server errors are retried. The stream stops when the context
// is canceled, when the server closes it with 204 No Content, or when a
// non-recoverable error occurs.
func (c *StreamClient) Stream(ctx context.Context, ch chan<- StreamEntry) error {
	c.initialize()

	uri, err := url.Parse(c.URI)
	if err != nil {
		return fmt.Errorf("parse URI: %w", err)
	}

	query := uri.Query()
	if c.SendBuffer > 0 {
		query.Set("sendbuf", strconv.Itoa(c.SendBuffer))
	}
	if c.StatsInterval > 0 {
		query.Set("stats", c.StatsInterval.String())
	}
	uri.RawQuery = query.Encode()

	state := &streamState{retry: c.RetryInterval}
	for {
		err := c.connect(ctx, uri.String(), state, ch)

		var unrecoverable unrecoverableError
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errStreamClosed):
			return nil
		case errors.As(err, &unrecoverable):
			return unrecoverable.error
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(state.retry):
		}
	}
}

// connect makes a single stream request, and reads events until the response
// ends or fails. The request is bound to the context, so canceling the context
// also stops reading.
func (c *StreamClient) connect(ctx context.Context, uri string, state *streamState, ch chan<- StreamEntry) error {
	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return unrecoverableError{fmt.Errorf("create HTTP request: %w", err)}
	}
	req.Header.Set("accept", "text/event-stream")
	req.Header.Set("cache-control", "no-cache")
	if state.lastEventID != "" {
		req.Header.Set("last-event-id", state.lastEventID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute HTTP request: %w", redactURL(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("remote status code %d", resp.StatusCode) // assumed temporary
	case resp.StatusCode == http.StatusNoContent:
		return errStreamClosed
	case resp.StatusCode != http.StatusOK:
		return unrecoverableError{fmt.Errorf("remote status code %d", resp.StatusCode)}
	}

	if mediatype, _, _ := mime.ParseMediaType(resp.Header.Get("content-type")); mediatype != "text/event-stream" {
		return unrecoverableError{fmt.Errorf("invalid content type %q", resp.Header.Get("content-type"))}
	}

	dec := eventsource.NewDecoder(resp.Body)
	for {
		var ev eventsource.Event
		err := dec.Decode(&ev)
		if errors.Is(err, eventsource.ErrInvalidEncoding) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read server-sent event: %w", err)
		}

		if ev.ID != "" || ev.ResetID {
			state.lastEventID = ev.ID
		}
		if ev.Retry != "" {
			if ms, err := strconv.Atoi(ev.Retry); err == nil && ms > 0 {
				state.retry = time.Duration(ms) * time.Millisecond
			}
		}
		if len(ev.Data) == 0 {
			continue
		}

		c.OnRead(ctx, ev.Type, ev.Data)

		switch ev.Type {
		case "entry":
			var env snaptrace.Envelope
			if err := json.Unmarshal(ev.Data, &env); err != nil {
				return unrecoverableError{fmt.Errorf("decode entry event: %w", err)}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch <- StreamEntry{ID: ev.ID, Envelope: env, Raw: ev.Data}:
			}

		case "init", "stats":
			if !json.Valid(ev.Data) {
				return unrecoverableError{fmt.Errorf("invalid %s event", ev.Type)}
			}
		}
	}
}
