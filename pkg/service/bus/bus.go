// Package bus implements the best-effort event fan-out consumed by whatever
// frontend integrates the engine.
package bus

import (
	"sync"
	"time"

	"github.com/dbtap/dbtap/pkg/models"
	"go.uber.org/zap"
)

// Bus fans events out to subscriber channels. Publish never blocks: an event
// is dropped for a subscriber whose buffer is full, and publishing with no
// subscribers is a no-op.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan models.Event
	nextID int
	closed bool
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan models.Event),
	}
}

// Subscribe registers a listener with the given buffer size and returns its
// channel plus a cancel function. The channel is closed on cancel or when
// the bus shuts down.
func (b *Bus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan models.Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has room.
func (b *Bus) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", zap.String("type", string(ev.Type)))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
