package snaptrace_test

import (
	"errors"
	"testing"

	"github.com/peterbourgon/snaptrace"
)

type store struct {
	Items map[string][]int
	Owner string
}

func TestCall(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()
	if err := obs.Initialize(snaptrace.Config{Capacity: 100}); err != nil {
		t.Fatal(err)
	}

	call := obs.Call("Store.Get", "k", "ctx")
	call.Return(123)
	call.Return(456)
	call.Fail(errors.New("too late"))

	entries := obs.Snapshot()
	assertEqual(t, len(entries), 2)
	assertEqual(t, entries[0].Status, snaptrace.StatusCall)
	assertEqual(t, entries[0].Data, any("k"))
	assertEqual(t, entries[1].Status, snaptrace.StatusReturn)
	assertEqual(t, entries[1].Data, any(123))
	assertEqual(t, entries[1].Context, any("ctx"))
}

func TestCallFinish(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()
	if err := obs.Initialize(snaptrace.Config{Capacity: 100}); err != nil {
		t.Fatal(err)
	}

	get := func(key string) (val int, err error) {
		call := obs.Call("get", key, nil)
		defer call.Finish(&err, &val)
		if key == "" {
			return 0, errors.New("empty key")
		}
		return len(key), nil
	}

	get("abc")
	get("")

	entries := obs.Snapshot()
	assertEqual(t, len(entries), 4)

	assertEqual(t, entries[1].Status, snaptrace.StatusReturn)
	assertEqual(t, entries[1].Data, any(3))

	assertEqual(t, entries[3].Status, snaptrace.StatusError)
	if err, ok := entries[3].Data.(error); !ok || err.Error() != "empty key" {
		t.Fatalf("data %#v", entries[3].Data)
	}
}

func TestCallFinishPanic(t *testing.T) {
	t.Parallel()

	obs := snaptrace.NewObserver()
	if err := obs.Initialize(snaptrace.Config{Capacity: 100}); err != nil {
		t.Fatal(err)
	}

	recovered := func() (x any) {
		defer func() { x = recover() }()
		func() (err error) {
			call := obs.Call("explode", nil, nil)
			defer call.Finish(&err, nil)
			panic("kaboom")
		}()
		return nil
	}()

	assertEqual(t, recovered, any("kaboom"))

	entries := obs.Snapshot()
	assertEqual(t, len(entries), 2)
	assertEqual(t, entries[1].Status, snaptrace.StatusError)
	assertEqual(t, entries[1].Data, any("kaboom"))
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	s := snaptrace.NewSerializer(false)
	have := s.Serialize(snaptrace.NewEntry("login", map[string]any{"user": "alice", "password": snaptrace.Redacted}, nil, snaptrace.StatusCall))
	want := `{"Status":"Call","Method":"login","Data":{"password":"[Redacted]","user":"alice"},"Context":null}`
	assertEqual(t, have, want)
}

func TestDeepCopy(t *testing.T) {
	t.Parallel()

	orig := store{
		Items: map[string][]int{"a": {1, 2}},
		Owner: "me",
	}

	copied := snaptrace.DeepCopy(orig)
	assertEqual(t, copied, orig)

	orig.Items["a"][0] = 99
	orig.Items["b"] = []int{3}
	orig.Owner = "you"

	assertEqual(t, copied, store{
		Items: map[string][]int{"a": {1, 2}},
		Owner: "me",
	})

	assertEqual(t, snaptrace.DeepCopy[any](nil), nil)
}
