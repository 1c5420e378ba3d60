// Package synchub fans merge results out to live subscribers, one channel
// per connected device.
package synchub

import (
	"sync"
	"time"

	"github.com/iamavinashmourya/DevOrbit/internal/domain"
)

// Event is one live-sync notification delivered to subscribers.
type Event struct {
	Status     domain.MergeStatus `json:"status"`
	Record     *domain.Record     `json:"-"`
	RecordID   string             `json:"record_id,omitempty"`
	Category   domain.Category    `json:"category,omitempty"`
	Title      string             `json:"title,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

const subscriberBuffer = 16

// Hub keeps per-owner subscriber channels. Delivery is best effort: a
// subscriber that cannot keep up has events dropped rather than blocking the
// merge path.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
	now  func() time.Time
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a channel for the owner's events. The returned cancel
// func unregisters and closes the channel; it is safe to call once.
func (h *Hub) Subscribe(ownerID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	owners, ok := h.subs[ownerID]
	if !ok {
		owners = make(map[chan Event]struct{})
		h.subs[ownerID] = owners
	}
	owners[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if owners, ok := h.subs[ownerID]; ok {
			if _, present := owners[ch]; present {
				delete(owners, ch)
				close(ch)
			}
			if len(owners) == 0 {
				delete(h.subs, ownerID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Notify broadcasts an event to all of the owner's subscribers and returns
// the number of channels the event reached.
func (h *Hub) Notify(ownerID string, event Event) int {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	reached := 0
	for ch := range h.subs[ownerID] {
		select {
		case ch <- event:
			reached++
		default:
		}
	}
	return reached
}

// Subscribers reports the number of live channels for an owner.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ownerID])
}

// ActivityUpserted implements the merge engine's notifier callback.
func (h *Hub) ActivityUpserted(ownerID string, rec *domain.Record, status domain.MergeStatus) {
	event := Event{
		Status:     status,
		Record:     rec,
		OccurredAt: h.now(),
	}
	if rec != nil {
		event.RecordID = rec.ID
		event.Category = rec.Category
		event.Title = rec.Title
	}
	h.Notify(ownerID, event)
}
