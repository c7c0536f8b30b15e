// Package broker implements the in-memory, multi-subscriber event
// fan-out shared by the Scheduler, the Fetch Pipeline, and the SSE
// transport.
package broker

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// subscriberQueueCapacity bounds each subscriber's channel. The source
// this system was distilled from left subscriber queues unbounded; an
// unbounded queue is unsafe under a disconnected client, so this
// implementation is bounded with a drop-subscriber policy instead
// (documented as a deliberate redesign).
const subscriberQueueCapacity = 64

// Event is a single published occurrence, already serialized to JSON once
// at publish time so every subscriber shares the same encoded payload.
type Event struct {
	Type string
	JSON []byte
}

// Broker fans published events out to every live subscriber. A
// subscriber whose queue is full is silently unregistered rather than
// allowed to block the publisher: slow-consumer policy is drop-subscriber,
// not drop-message-to-everyone.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	log    *zap.Logger
}

// New constructs an empty Broker.
func New(log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{subs: make(map[int]chan Event), log: log}
}

// Subscription is the handle returned by Subscribe; the transport layer
// reads from C until it is done, then calls Close exactly once.
type Subscription struct {
	id     int
	C      <-chan Event
	broker *Broker
}

// Close deregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	s.broker.unregister(s.id)
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberQueueCapacity)
	b.subs[id] = ch
	return &Subscription{id: id, C: ch, broker: b}
}

func (b *Broker) unregister(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish serializes {"type": kind, "data": data} once and attempts a
// non-blocking enqueue to every subscriber. Subscribers whose queues are
// full are dropped, not the message. Emission is best-effort and never
// blocks.
func (b *Broker) Publish(kind string, data interface{}) {
	payload, err := json.Marshal(map[string]interface{}{"type": kind, "data": data})
	if err != nil {
		b.log.Error("failed to marshal event", zap.String("type", kind), zap.Error(err))
		return
	}
	ev := Event{Type: kind, JSON: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, id)
			close(ch)
			b.log.Warn("dropped slow subscriber", zap.Int("subscriber", id))
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
