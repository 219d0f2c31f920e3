// Package broadcast fans out locker state deltas to subscribed observers
// (the WebSocket notification stream, primarily). Delivery is best-effort:
// a slow subscriber never back-pressures a mutation. Each subscriber owns a
// bounded buffer and drops its oldest queued update when full, since
// subscribers reconnect and re-read authoritative state rather than relying
// on an unbroken update stream.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lockerctl/lockerctl/internal/domain"
)

// Update is one locker state delta sent to subscribers.
type Update struct {
	Locker   domain.Locker `json:"locker"`
	Sequence int64         `json:"sequence"`
	At       time.Time     `json:"at"`
}

// DefaultBufferSize is each subscriber's bounded queue depth.
const DefaultBufferSize = 64

// Subscriber receives a stream of Updates through its channel. Buffer is
// never nil and never closed by the bus except via Unsubscribe.
type Subscriber struct {
	ID     string
	buffer chan Update
	mu     sync.Mutex
}

func newSubscriber(id string, size int) *Subscriber {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Subscriber{ID: id, buffer: make(chan Update, size)}
}

// C returns the channel to read updates from.
func (s *Subscriber) C() <-chan Update { return s.buffer }

// deliver sends update without blocking; if the buffer is full, the oldest
// queued update is dropped to make room.
func (s *Subscriber) deliver(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.buffer <- update:
		return
	default:
	}

	select {
	case <-s.buffer:
	default:
	}
	select {
	case s.buffer <- update:
	default:
	}
}

// Bus is the notification broadcaster.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sequence    int64
	logger      *slog.Logger
}

// New constructs a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With("component", "broadcast"),
	}
}

// Subscribe registers a new subscriber with a bounded buffer of bufferSize
// (DefaultBufferSize if <= 0) and returns it.
func (b *Bus) Subscribe(id string, bufferSize int) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscriber(id, bufferSize)
	b.subscribers[id] = sub
	b.logger.Debug("subscriber added", "subscriber_id", id, "total", len(b.subscribers))
	return sub
}

// Unsubscribe removes and closes a subscriber's buffer.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.buffer)
		delete(b.subscribers, id)
		b.logger.Debug("subscriber removed", "subscriber_id", id, "total", len(b.subscribers))
	}
}

// Publish implements lockerstate.Notifier: it fans locker out to every
// subscriber without blocking on any of them.
func (b *Bus) Publish(locker domain.Locker) {
	update := Update{
		Locker:   locker,
		Sequence: atomic.AddInt64(&b.sequence, 1),
		At:       time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		sub.deliver(update)
	}
}

// ActiveSubscribers returns the current subscriber count.
func (b *Bus) ActiveSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
