package event

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"wfsync/internal/logging"
)

const defaultSubscriberBufferSize = 128

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// OnDrop runs once per delivery skipped because a subscriber buffer was
	// full.
	OnDrop func()
	Logger *logging.Logger
}

// Bus fans published events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full loses the event.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]chan T
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	dropped     atomic.Int64
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]chan T),
		options:     opts,
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

// Subscribe returns a channel of every event published from now on and a
// func that unsubscribes and closes it. A closed bus returns a closed
// channel.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() { b.removeSubscriber(id) }
}

func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subscribers := make(map[uint64]chan T, len(b.subscribers))
	for id, ch := range b.subscribers {
		subscribers[id] = ch
	}
	b.mu.Unlock()

	for id, ch := range subscribers {
		if !b.send(id, ch, event) {
			b.drop()
		}
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]chan T)
		b.mu.Unlock()

		for _, ch := range subscribers {
			close(ch)
		}
	})
}

// send delivers without blocking. A subscriber closed concurrently is
// removed instead of panicking the publisher.
func (b *Bus[T]) send(id uint64, ch chan T, event T) (delivered bool) {
	defer func() {
		if recover() != nil {
			b.removeSubscriber(id)
			delivered = true
		}
	}()
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) drop() {
	dropped := b.dropped.Add(1)
	if b.options.OnDrop != nil {
		b.options.OnDrop()
	}
	b.options.Logger.Warn("event bus dropped event", map[string]string{
		"bus":     b.busName(),
		"dropped": strconv.FormatInt(dropped, 10),
	})
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(existing)
	}
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
