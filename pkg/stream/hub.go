// Package stream fans out account-merge events to connected ops clients.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// recentCap bounds the replay buffer handed to newly connected clients.
const recentCap = 64

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	recent []Event
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to every subscriber without blocking. Slow
// subscribers miss events rather than stalling merge handling.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	h.recent = append(h.recent, evt)
	if len(h.recent) > recentCap {
		h.recent = h.recent[len(h.recent)-recentCap:]
	}
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}

// Recent returns a copy of the buffered backlog, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.recent))
	copy(out, h.recent)
	return out
}
