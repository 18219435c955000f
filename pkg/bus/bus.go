// Package bus delivers persistence engine events to consumers over a
// buffered channel.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/persist"
)

const (
	defaultBuffer  = 100
	publishTimeout = 100 * time.Millisecond
)

// EventBus is a persist.Observer. Publishing never blocks the engine for
// longer than publishTimeout; events that do not fit are counted and dropped.
type EventBus struct {
	events  chan persist.Event
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

var _ persist.Observer = (*EventBus)(nil)

// NewEventBus returns a bus buffering up to size events (100 when size <= 0).
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = defaultBuffer
	}
	return &EventBus{events: make(chan persist.Event, size)}
}

// Notify publishes e.
func (b *EventBus) Notify(e persist.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- e:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- e:
		case <-timer.C:
			b.dropped.Add(1)
		}
	}
}

// Next blocks until an event arrives, the bus is closed or ctx is done.
func (b *EventBus) Next(ctx context.Context) (persist.Event, bool) {
	select {
	case e, ok := <-b.events:
		if !ok {
			return persist.Event{}, false
		}
		return e, true
	case <-ctx.Done():
		return persist.Event{}, false
	}
}

// Events exposes the receive side for range loops.
func (b *EventBus) Events() <-chan persist.Event {
	return b.events
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}

func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
