// Package eventbus is the Event Bus (component C7): a per-auction fan-out
// of domain events to subscribers (the SSE/WebSocket edge, dashboards,
// etc.), with a bounded per-subscriber channel and drop-oldest overflow
// policy so one slow reader never blocks the monitor.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// Kind enumerates the event kinds produced by the monitor (§4.7).
type Kind string

const (
	AuctionState  Kind = "auctionState"
	BidPlaced     Kind = "bidPlaced"
	BidFailed     Kind = "bidFailed"
	Outbid        Kind = "outbid"
	AuctionEnded  Kind = "auctionEnded"
	MaxBidReached Kind = "maxBidReached"
	AuthRequired  Kind = "authRequired"
)

// Event is one published domain event.
type Event struct {
	Kind      Kind
	AuctionID string
	Payload   any
}

const defaultBufferSize = 64

// subscriber is one registered receiver.
type subscriber struct {
	id        string
	auctionID string // empty means "subscribed to all auctions"
	ch        chan Event
	mu        sync.Mutex
	lag       int64
	done      chan struct{}
}

// Bus fans events out to subscribers, filtered by auction ID.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
}

// New builds an empty Bus with the default 64-event per-subscriber buffer.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// WithBufferSize overrides the per-subscriber channel capacity.
func (b *Bus) WithBufferSize(n int) *Bus {
	b.bufferSize = n
	return b
}

// Subscription is the handle returned to a caller of Subscribe.
type Subscription struct {
	ID     string
	Events <-chan Event
	bus    *Bus
}

// Close unregisters the subscription and releases its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ID)
}

// Lag reports how many events have been dropped for this subscriber due
// to a full buffer.
func (s *Subscription) Lag() int64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	sub, ok := s.bus.subscribers[s.ID]
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.lag
}

// Subscribe registers a new subscriber. auctionID empty subscribes to
// events for every auction.
func (b *Bus) Subscribe(auctionID string) *Subscription {
	sub := &subscriber{
		id:        uuid.New().String(),
		auctionID: auctionID,
		ch:        make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{ID: sub.id, Events: sub.ch, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish fans an event out to every subscriber matching its auction ID
// (plus every wildcard subscriber). A subscriber whose buffer is full has
// its oldest queued event dropped to make room, and its lag counter
// incremented, rather than blocking the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.auctionID == "" || sub.auctionID == ev.AuctionID {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.mu.Lock()
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: drop the oldest queued event and retry once.
			select {
			case <-sub.ch:
				sub.lag++
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.lag++
			}
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount returns the number of currently registered subscribers,
// for the memory/observability snapshot.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
