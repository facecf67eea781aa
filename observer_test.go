package snaptrace_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterbourgon/snaptrace"
	"github.com/peterbourgon/snaptrace/snapring"
)

func TestObserverInitialize(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()
	assertEqual(t, obs.Initialized(), false)
	assertEqual(t, obs.Capacity(), 0)
	assertEqual(t, obs.SessionID(), "")

	if err := obs.Initialize(snaptrace.Config{Capacity: 10}); err != nil {
		t.Fatal(err)
	}
	if err := obs.Initialize(snaptrace.Config{Capacity: 20}); err != nil {
		t.Fatal(err)
	}

	assertEqual(t, obs.Initialized(), true)
	assertEqual(t, obs.Capacity(), 10)
	assertEqual(t, len(obs.SessionID()), 26) // ULID
}

func TestObserverInitializeInvalid(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()

	for _, c := range []int{0, -1} {
		err := obs.Initialize(snaptrace.Config{Capacity: c})
		if !errors.Is(err, snapring.ErrInvalidCapacity) {
			t.Fatalf("capacity %d: want %v, have %v", c, snapring.ErrInvalidCapacity, err)
		}
		assertEqual(t, obs.Initialized(), false)
	}

	// A failed initialization doesn't prevent a later one.
	if err := obs.Initialize(snaptrace.Config{Capacity: 5}); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, obs.Capacity(), 5)
}

func TestObserverInitializeConcurrent(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()

	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			if err := obs.Initialize(snaptrace.Config{Capacity: c}); err != nil {
				t.Errorf("Initialize(%d): %v", c, err)
			}
			obs.Record(snaptrace.NewEntry("m", c, nil, snaptrace.StatusCall))
		}(i)
	}
	wg.Wait()

	capacity := obs.Capacity()
	if capacity < 1 || capacity > 16 {
		t.Fatalf("capacity %d", capacity)
	}
	if count := obs.Count(); count > capacity {
		t.Fatalf("count %d > capacity %d", count, capacity)
	}
}

func TestObserverInitializeConcurrentInvalid(t *testing.T) {
	t.Parallel()

	for round := 0; round < 50; round++ {
		var (
			obs   = snaptrace.NewObserver()
			start = make(chan struct{})
			wg    sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(c int) {
				defer wg.Done()
				<-start
				if err := obs.Initialize(snaptrace.Config{Capacity: c}); err != nil {
					return // invalid capacity
				}
				if !obs.Initialized() {
					t.Errorf("Initialize(%d) returned nil, but the observer isn't initialized", c)
				}
				obs.Record(snaptrace.NewEntry("m", c, nil, snaptrace.StatusCall))
				if obs.Count() == 0 {
					t.Errorf("Initialize(%d): entry recorded after a successful Initialize was dropped", c)
				}
			}(i % 2) // half of the configs are invalid
		}
		close(start)
		wg.Wait()

		assertEqual(t, obs.Capacity(), 1)
	}
}

func TestObserverUninitialized(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()
	obs.Record(snaptrace.NewEntry("m", nil, nil, snaptrace.StatusCall))
	obs.Dump()

	assertEqual(t, obs.Count(), 0)
	assertEqual(t, obs.Snapshot(), []snaptrace.Entry{})
	assertEqual(t, obs.Render(), "")

	// Entries recorded before initialization are dropped.
	c := newCapture()
	if err := obs.Initialize(snaptrace.Config{Capacity: 3, Output: c.output}); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, obs.Count(), 0)
}

func TestObserverDump(t *testing.T) {
	t.Parallel()

	var (
		c   = newCapture()
		obs = snaptrace.NewObserver()
	)
	if err := obs.Initialize(snaptrace.Config{Capacity: 3, Output: c.output}); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 4; i++ {
		obs.Record(snaptrace.NewEntry(fmt.Sprintf("m%d", i), i, nil, snaptrace.StatusCall))
	}
	assertEqual(t, obs.Count(), 3)

	obs.Dump()

	dumps := c.all()
	assertEqual(t, len(dumps), 1)
	assertEqual(t, strings.Count(dumps[0], "\n"), 2)

	envs := parseDump(t, dumps[0])
	assertEqual(t, methods(envs), []string{"m2", "m3", "m4"})
	assertEqual(t, string(envs[0].Data), "2")
	assertEqual(t, envs[0].Timestamp == nil, true)

	assertEqual(t, obs.Render(), dumps[0])
}

func TestObserverDumpTimestamps(t *testing.T) {
	t.Parallel()

	var (
		c   = newCapture()
		obs = snaptrace.NewObserver()
	)
	if err := obs.Initialize(snaptrace.Config{Capacity: 3, RecordTimestamp: true, Output: c.output}); err != nil {
		t.Fatal(err)
	}

	before := time.Now().UTC()
	obs.Record(snaptrace.NewEntry("m", nil, nil, snaptrace.StatusCall))
	obs.Dump()

	envs := parseDump(t, c.wait(t))
	assertEqual(t, len(envs), 1)
	if ts := envs[0].Timestamp; ts == nil || ts.Before(before.Add(-time.Second)) {
		t.Fatalf("bad timestamp %v", ts)
	}
}

func TestObserverOutputPanic(t *testing.T) {
	t.Parallel()

	var (
		buf    bytes.Buffer
		logger = log.New(&buf, "", 0)
		obs    = snaptrace.NewObserver()
	)
	if err := obs.Initialize(snaptrace.Config{
		Capacity: 3,
		Output:   func(string) { panic("output exploded") },
		Logger:   logger,
	}); err != nil {
		t.Fatal(err)
	}

	obs.Record(snaptrace.NewEntry("m", nil, nil, snaptrace.StatusCall))
	obs.Dump() // must not panic

	if !strings.Contains(buf.String(), "output exploded") {
		t.Fatalf("log output %q", buf.String())
	}
}

func TestObserverRecordDegradedValues(t *testing.T) {
	t.Parallel()

	var (
		c   = newCapture()
		obs = snaptrace.NewObserver()
	)
	if err := obs.Initialize(snaptrace.Config{Capacity: 10, Output: c.output}); err != nil {
		t.Fatal(err)
	}

	obs.Record(snaptrace.NewEntry("explodes", bomb{}, nil, snaptrace.StatusReturn))
	obs.Record(snaptrace.NewEntry("fine", 1, nil, snaptrace.StatusReturn))
	obs.Dump()

	envs := parseDump(t, c.wait(t))
	assertEqual(t, methods(envs), []string{"explodes", "fine"})
	assertEqual(t, envs[0].Status, snaptrace.StatusReturn)
	if !strings.Contains(string(envs[0].SerializationError), "DataError") {
		t.Fatalf("SerializationError %s", envs[0].SerializationError)
	}
	assertEqual(t, len(envs[1].SerializationError), 0)
}

func TestObserverConcurrent(t *testing.T) {
	t.Parallel()

	var (
		c   = newCapture()
		obs = snaptrace.NewObserver()
	)
	if err := obs.Initialize(snaptrace.Config{Capacity: 100, Output: c.output}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				obs.Record(snaptrace.NewEntry(fmt.Sprintf("w%d", w), map[string]int{"i": i}, nil, snaptrace.StatusCall))
				if i%50 == 0 {
					obs.Dump()
				}
			}
		}(w)
	}
	wg.Wait()

	assertEqual(t, obs.Count(), 100)
	assertEqual(t, len(obs.Snapshot()), 100)

	for _, dump := range c.all() {
		_ = parseDump(t, dump)
	}
}

func TestObserverSubscribe(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()
	if err := obs.Initialize(snaptrace.Config{Capacity: 10}); err != nil {
		t.Fatal(err)
	}

	var (
		ctx, cancel = context.WithCancel(context.Background())
		ch          = make(chan snaptrace.Recorded, 100)
		done        = make(chan snaptrace.StreamStats, 1)
	)
	defer cancel()

	go func() {
		stats, _ := obs.Subscribe(ctx, ch)
		done <- stats
	}()

	// Subscription is asynchronous, so record until something arrives.
	var first snaptrace.Recorded
	deadline := time.After(5 * time.Second)
loop:
	for {
		obs.Record(snaptrace.NewEntry("m", nil, nil, snaptrace.StatusCall))
		select {
		case first = <-ch:
			break loop
		case <-deadline:
			t.Fatal("timeout waiting for entry")
		case <-time.After(time.Millisecond):
		}
	}
	assertEqual(t, first.Entry.Method, "m")

	obs.Record(snaptrace.NewEntry("n", nil, nil, snaptrace.StatusReturn))
	var next snaptrace.Recorded
	for next = range ch {
		if next.Entry.Method == "n" {
			break
		}
	}
	if next.Ticket <= first.Ticket {
		t.Fatalf("ticket %d after %d", next.Ticket, first.Ticket)
	}

	cancel()
	if stats := <-done; stats.Sends < 2 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestObserverStats(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()
	if err := obs.Initialize(snaptrace.Config{Capacity: 4}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		obs.Record(snaptrace.NewEntry("m", i, nil, snaptrace.StatusCall))
	}

	stats := obs.Stats()
	assertEqual(t, stats.SessionID, obs.SessionID())
	assertEqual(t, stats.Capacity, 4)
	assertEqual(t, stats.Count, 4)
	if stats.Records < 6 {
		t.Fatalf("records %d", stats.Records)
	}
}

func BenchmarkObserverRecord(b *testing.B) {
	obs := snaptrace.NewObserver()
	if err := obs.Initialize(snaptrace.Config{Capacity: 1000}); err != nil {
		b.Fatal(err)
	}
	e := snaptrace.NewEntry("m", 1, nil, snaptrace.StatusCall)

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			obs.Record(e)
		}
	})
}
