package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/relay"
)

func TestRegistry_AddRemove(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	a := newCall("a", func() {})

	if err := r.add(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.add(newCall("a", func() {})); !errors.Is(err, errDuplicateCall) {
		t.Errorf("duplicate add = %v, want errDuplicateCall", err)
	}
	if n := r.count(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	// Removing a different call with the same ID leaves the live one alone.
	r.remove(newCall("a", func() {}))
	if n := r.count(); n != 1 {
		t.Errorf("count after foreign remove = %d, want 1", n)
	}
	r.remove(a)
	if n := r.count(); n != 0 {
		t.Errorf("count after remove = %d, want 0", n)
	}
	if err := r.add(newCall("a", func() {})); err != nil {
		t.Errorf("re-add after remove: %v", err)
	}
}

func TestRegistry_SnapshotOrder(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	base := time.Now()
	for i, id := range []string{"c", "b", "a"} {
		c := newCall(id, func() {})
		c.startedAt = base.Add(time.Duration(i) * time.Second)
		if err := r.add(c); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	tie := newCall("0", func() {})
	tie.startedAt = base
	tie.state.Store(relay.StateActive)
	tie.endpoint.Store("wss://eu.example.test")
	if err := r.add(tie); err != nil {
		t.Fatalf("add tie: %v", err)
	}

	got := r.snapshot()
	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	want := []string{"0", "c", "b", "a"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if got[0].State != relay.StateActive || got[0].Endpoint != "wss://eu.example.test" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].State != relay.StateConnecting || got[1].Endpoint != "" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestRegistry_DrainCancelsAndWaits(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	cancelled := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		c := newCall(id, func() { cancelled <- id })
		if err := r.add(c); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	live := r.snapshot()

	r.drain()
	if !r.isDraining() {
		t.Error("isDraining = false after drain")
	}
	if len(cancelled) != 2 {
		t.Errorf("cancelled %d calls, want 2", len(cancelled))
	}
	if err := r.add(newCall("c", func() {})); !errors.Is(err, errDraining) {
		t.Errorf("add while draining = %v, want errDraining", err)
	}

	done := r.wait()
	select {
	case <-done:
		t.Fatal("wait returned with calls still live")
	case <-time.After(20 * time.Millisecond):
	}

	r.mu.Lock()
	calls := make([]*call, 0, len(live))
	for _, s := range live {
		calls = append(calls, r.calls[s.ID])
	}
	r.mu.Unlock()
	for _, c := range calls {
		r.remove(c)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after all calls were removed")
	}
}
