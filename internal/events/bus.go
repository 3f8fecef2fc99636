// Package events carries coordinator events to in-process subscribers such
// as the audit log.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	// EventWorkUnitsAssigned: a minion received one or more work units.
	EventWorkUnitsAssigned EventType = "work_units_assigned"
	// EventTargetsFinished: a minion reported targets as built.
	EventTargetsFinished EventType = "targets_finished"
	// EventBuildFailed: a minion reported a non-zero exit code.
	EventBuildFailed EventType = "build_failed"
	// EventBuildFinished: every target is finished or the build was declared done.
	EventBuildFinished EventType = "build_finished"
)

// AllEventTypes lists every type the coordinator publishes.
var AllEventTypes = []EventType{
	EventWorkUnitsAssigned,
	EventTargetsFinished,
	EventBuildFailed,
	EventBuildFinished,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	MinionID  string
	Targets   []string
	ExitCode  *int
}

type Subscriber func(Event)

type subscription struct {
	ch chan Event
	fn Subscriber
}

// run delivers queued events until the channel is closed. A panicking
// subscriber loses only the event it panicked on.
func (s *subscription) run() {
	for ev := range s.ch {
		s.deliver(ev)
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() { _ = recover() }()
	s.fn(ev)
}

// Bus delivers events asynchronously through one buffered channel per
// subscriber. A full channel drops the event for that subscriber; publishers
// never block.
type Bus struct {
	bufferSize int

	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	closed  bool
	dropped atomic.Int64
	running sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize, subs: map[EventType][]*subscription{}}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on its own goroutine. Subscribing to a closed bus is a no-op.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	sub := &subscription{ch: make(chan Event, b.bufferSize), fn: fn}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.running.Add(1)
	go func() {
		defer b.running.Done()
		sub.run()
	}()

	return func() { b.unsubscribe(eventType, sub) }
}

func (b *Bus) unsubscribe(eventType EventType, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[eventType]
	for i, s := range list {
		if s == sub {
			b.subs[eventType] = append(list[:i:i], list[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish stamps ev with the current time when unset and hands it to every
// subscriber of its type.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[ev.Type] {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery and waits until subscribers drained their buffers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	b.subs = nil
	b.mu.Unlock()

	b.running.Wait()
}
