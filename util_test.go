package snaptrace_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/snaptrace"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatal(cmp.Diff(have, want))
	}
}

// capture is an output that keeps every dump.
type capture struct {
	mtx   sync.Mutex
	dumps []string
	ch    chan string
}

func newCapture() *capture {
	return &capture{ch: make(chan string, 100)}
}

func (c *capture) output(dump string) {
	c.mtx.Lock()
	c.dumps = append(c.dumps, dump)
	c.mtx.Unlock()
	select {
	case c.ch <- dump:
	default:
	}
}

func (c *capture) all() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string{}, c.dumps...)
}

func (c *capture) wait(t *testing.T) string {
	t.Helper()
	select {
	case dump := <-c.ch:
		return dump
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dump")
		return ""
	}
}

func parseDump(t *testing.T, dump string) []snaptrace.Envelope {
	t.Helper()
	envs, err := snaptrace.ParseDump(dump)
	if err != nil {
		t.Fatalf("parse dump: %v\n%s", err, dump)
	}
	return envs
}

func methods(envs []snaptrace.Envelope) []string {
	res := make([]string, len(envs))
	for i := range envs {
		res[i] = envs[i].Method
	}
	return res
}

func unquote(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unquote %s: %v", string(raw), err)
	}
	return s
}
