package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(EventTargetsFinished, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventTargetsFinished, SessionID: "s", Targets: []string{"A", "B"}})
	bus.Publish(Event{Type: EventWorkUnitsAssigned, SessionID: "s"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != EventTargetsFinished {
		t.Errorf("type = %s, want %s", got[0].Type, EventTargetsFinished)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("expected Publish to stamp the event")
	}
	if len(got[0].Targets) != 2 {
		t.Errorf("targets = %v", got[0].Targets)
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe(EventBuildFinished, func(Event) { count.Add(1) })
	}
	bus.Publish(Event{Type: EventBuildFinished})

	waitFor(t, func() bool { return count.Load() == 3 })
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus(1)
	release := make(chan struct{})
	bus.Subscribe(EventWorkUnitsAssigned, func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: EventWorkUnitsAssigned})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if bus.Dropped() == 0 {
		t.Error("expected events dropped for the full subscriber")
	}
	close(release)
	bus.Close()
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count atomic.Int32
	unsubscribe := bus.Subscribe(EventBuildFailed, func(Event) { count.Add(1) })
	bus.Publish(Event{Type: EventBuildFailed})
	waitFor(t, func() bool { return count.Load() == 1 })

	unsubscribe()
	bus.Publish(Event{Type: EventBuildFailed})
	time.Sleep(20 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", n)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count atomic.Int32
	bus.Subscribe(EventTargetsFinished, func(Event) {
		count.Add(1)
		panic("subscriber failure")
	})

	bus.Publish(Event{Type: EventTargetsFinished})
	bus.Publish(Event{Type: EventTargetsFinished})
	waitFor(t, func() bool { return count.Load() == 2 })
}

func TestBus_CloseDrains(t *testing.T) {
	bus := NewBus(10)

	var count atomic.Int32
	bus.Subscribe(EventTargetsFinished, func(Event) { count.Add(1) })
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTargetsFinished})
	}
	bus.Close()

	if n := count.Load(); n != 5 {
		t.Errorf("delivered %d events before Close returned, want 5", n)
	}

	// Publishing and closing again after Close are no-ops.
	bus.Publish(Event{Type: EventTargetsFinished})
	bus.Close()
}
