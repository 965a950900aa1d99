package event

import (
	"sync"
	"testing"
	"time"
)

const defaultMockBusBufferSize = 16

// MockBus records every published event and fans out synchronously.
type MockBus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]chan T
	nextID      uint64
	events      []T
}

func NewMockBus[T any]() *MockBus[T] {
	return &MockBus[T]{subscribers: make(map[uint64]chan T)}
}

func (bus *MockBus[T]) Publish(event T) {
	if bus == nil {
		return
	}
	bus.mu.Lock()
	bus.events = append(bus.events, event)
	subscribers := make([]chan T, 0, len(bus.subscribers))
	for _, ch := range bus.subscribers {
		subscribers = append(subscribers, ch)
	}
	bus.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (bus *MockBus[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, defaultMockBusBufferSize)
	bus.mu.Lock()
	bus.nextID++
	id := bus.nextID
	bus.subscribers[id] = ch
	bus.mu.Unlock()

	return ch, func() {
		bus.mu.Lock()
		existing, ok := bus.subscribers[id]
		delete(bus.subscribers, id)
		bus.mu.Unlock()
		if ok {
			close(existing)
		}
	}
}

func (bus *MockBus[T]) Events() []T {
	if bus == nil {
		return nil
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	copyEvents := make([]T, len(bus.events))
	copy(copyEvents, bus.events)
	return copyEvents
}

// ReceiveWithTimeout waits for a single event or fails the test.
func ReceiveWithTimeout[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}

// ExpectNoEvent fails the test if anything arrives within wait.
func ExpectNoEvent[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case event, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %#v", event)
		}
	case <-time.After(wait):
	}
}
