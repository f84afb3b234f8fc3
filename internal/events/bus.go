package events

import (
	"sync"
	"sync/atomic"
)

// Handler consumes one raw event payload
type Handler func(raw []byte)

// Subscription is a handle to a bus subscription. The handler is read
// through an atomic pointer at delivery time, so Rebind swaps the
// callback without unsubscribing: a long-lived subscription always
// invokes the caller's latest handler.
type Subscription struct {
	handler atomic.Pointer[Handler]
	cancel  func()
}

// Rebind replaces the handler invoked for future deliveries
func (s *Subscription) Rebind(h Handler) {
	s.handler.Store(&h)
}

// Unsubscribe detaches the subscription from the bus and drops the
// handler, so deliveries already in flight become no-ops. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.handler.Store(nil)
	s.cancel()
}

func (s *Subscription) deliver(raw []byte) {
	if h := s.handler.Load(); h != nil {
		(*h)(raw)
	}
}

// Bus is an in-process fan-out channel for raw generation events.
// Publish delivers synchronously in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a handler and returns its subscription handle
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &Subscription{}
	sub.handler.Store(&h)
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	b.subs[id] = sub
	return sub
}

// Publish delivers a payload to every current subscriber
func (b *Bus) Publish(raw []byte) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	ids := make([]int, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	// Deterministic delivery order by subscription id
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
			subs[j-1], subs[j] = subs[j], subs[j-1]
		}
	}

	for _, sub := range subs {
		sub.deliver(raw)
	}
}
