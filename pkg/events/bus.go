package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultQueueSize bounds each subscriber's event queue.
	DefaultQueueSize = 256
	// DefaultBlockTimeout bounds how long a publisher waits on a full queue
	// before disconnecting the slow subscriber.
	DefaultBlockTimeout = 2 * time.Second
)

// Subscriber receives events matching its filter through a bounded queue.
type Subscriber struct {
	id     string
	filter Filter
	ch     chan Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	dropped int
}

// Events is the receive channel. Consumers must also select on Done: the
// channel is not closed when the subscriber is disconnected.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscriber is disconnected (unsubscribe or kicked
// for being too slow).
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Dropped returns the count of lossy chunk events discarded for this
// subscriber.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Bus fans events out to subscribers. One instance per daemon process.
type Bus struct {
	mu           sync.RWMutex
	subs         map[string]*Subscriber
	queueSize    int
	blockTimeout time.Duration
}

// NewBus creates a bus with the given per-subscriber queue size and slow
// subscriber block timeout. Zero values select the defaults.
func NewBus(queueSize int, blockTimeout time.Duration) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if blockTimeout <= 0 {
		blockTimeout = DefaultBlockTimeout
	}
	return &Bus{
		subs:         make(map[string]*Subscriber),
		queueSize:    queueSize,
		blockTimeout: blockTimeout,
	}
}

// Subscribe registers a new subscriber for events matching filter.
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	sub := &Subscriber{
		id:     uuid.New().String(),
		filter: filter,
		ch:     make(chan Event, b.queueSize),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe disconnects a subscriber. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// SubscriberCount returns the number of live subscribers. Used by tests to
// poll instead of sleeping.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers the event to every matching subscriber. Guaranteed events
// block up to the bus timeout on a full queue and then disconnect the slow
// subscriber; chunk-class events are dropped instead. Publish itself never
// blocks indefinitely.
func (b *Bus) Publish(e Event) {
	// Snapshot under the read lock, send outside it. Sends can take up to
	// blockTimeout each and must not stall Subscribe/Unsubscribe.
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(e) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case <-sub.done:
			continue
		default:
		}
		if e.guaranteed() {
			b.sendGuaranteed(sub, e)
		} else {
			b.sendLossy(sub, e)
		}
	}
}

func (b *Bus) sendGuaranteed(sub *Subscriber, e Event) {
	timer := time.NewTimer(b.blockTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- e:
	case <-sub.done:
	case <-timer.C:
		slog.Warn("Disconnecting slow event subscriber",
			"subscriber_id", sub.id,
			"event_type", e.Type,
			"project", e.Project())
		b.Unsubscribe(sub)
	}
}

func (b *Bus) sendLossy(sub *Subscriber, e Event) {
	select {
	case sub.ch <- e:
	default:
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()
	}
}
