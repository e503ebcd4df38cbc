package store

import (
	"sync"

	"github.com/google/uuid"
)

// Hub fans committed changes out to in-process subscribers. Backends publish
// local writes through it; a relay can forward them to other instances, whose
// changes come back in through Deliver.
type Hub struct {
	origin string

	mu    sync.RWMutex
	next  int
	subs  map[int]subscription
	relay func(Change)
}

type subscription struct {
	collection string
	preds      []Predicate
	fn         func(Change)
}

// NewHub creates a hub stamping local changes with origin. An empty origin
// gets a random instance id.
func NewHub(origin string) *Hub {
	if origin == "" {
		origin = uuid.NewString()
	}
	return &Hub{origin: origin, subs: make(map[int]subscription)}
}

// Origin is the instance id of local changes.
func (h *Hub) Origin() string {
	return h.origin
}

// SetRelay installs fn to receive every local change after delivery.
func (h *Hub) SetRelay(fn func(Change)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = fn
}

func (h *Hub) Subscribe(collection string, preds []Predicate, fn func(Change)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscription{collection: collection, preds: preds, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers a local change and hands it to the relay.
func (h *Hub) Publish(c Change) {
	c.Origin = h.origin
	h.Deliver(c)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay(c)
	}
}

// Deliver calls every matching subscriber.
func (h *Hub) Deliver(c Change) {
	h.mu.RLock()
	var targets []func(Change)
	for _, s := range h.subs {
		if s.collection == c.Collection && Matches(c.Record, s.preds) {
			targets = append(targets, s.fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		fn(c)
	}
}
