// Package events implements the in-process publish/subscribe bus that fans
// out system-battery changes to internal consumers and network sessions.
package events

import (
	"sync"
)

// Topic names. Values published on these topics are supply.BatteryState and
// millivolt int respectively; the bus itself is payload-agnostic.
const (
	TopicBatteryState   = "battery-state-changed"
	TopicBatteryVoltage = "battery-voltage-changed"
)

// Handler receives published values. Handlers are invoked synchronously from
// Publish and must not block.
type Handler func(value any)

// Subscription is a cancellable registration on one topic.
type Subscription struct {
	bus     *Bus
	topic   string
	id      uint64
	handler Handler
}

// Cancel removes the subscription. It is safe to call more than once; after
// Cancel returns the handler will not be invoked again.
func (s *Subscription) Cancel() {
	s.bus.cancel(s)
}

type topicState struct {
	subs     []*Subscription
	retained any
	hasValue bool
}

// Bus is a topic-based publish/subscribe hub. Delivery is synchronous and in
// subscription order; a new subscriber is handed the topic's current value
// immediately (retained last publish), then future changes.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string]*topicState
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topicState)}
}

func (b *Bus) topic(name string) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{}
		b.topics[name] = t
	}
	return t
}

// Subscribe registers handler on topic and returns its cancellation handle.
// If the topic has a retained value, handler is invoked with it before
// Subscribe returns.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, topic: topic, id: b.nextID, handler: handler}
	t := b.topic(topic)
	t.subs = append(t.subs, sub)
	if t.hasValue {
		handler(t.retained)
	}
	return sub
}

// Publish invokes all current subscribers of topic with value, in
// subscription order, before returning. The value is retained for future
// subscribers. Handlers run under the bus lock: they must not block and must
// not call back into the bus.
func (b *Bus) Publish(topic string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	t.retained = value
	t.hasValue = true
	for _, sub := range t.subs {
		sub.handler(value)
	}
}

func (b *Bus) cancel(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	for i, s := range t.subs {
		if s.id == sub.id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
}

// SubscriberCount reports the number of active subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return len(t.subs)
}
