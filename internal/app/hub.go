package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// EventType discriminates [Event] values on the event stream.
type EventType string

const (
	EventTranscript   EventType = "transcript"
	EventTurnComplete EventType = "turn_complete"
	EventServerError  EventType = "error"
	EventSessionStart EventType = "session_started"
	EventSessionClose EventType = "session_closed"
)

// Event is one message pushed to event stream subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text,omitempty"`

	// Final is set on the turn-complete event that closes a transcript turn.
	Final bool `json:"final"`

	// Cause is set on session_closed.
	Cause string `json:"cause,omitempty"`
}

const (
	defaultSubscriberBuffer = 256
	writeTimeout            = 5 * time.Second
)

// Hub fans events out to subscribers. A subscriber that cannot keep up
// loses events rather than stalling the publisher.
type Hub struct {
	buffer int

	mu        sync.Mutex
	subs      map[chan Event]struct{}
	observers []func(Event)
}

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. Call cancel to unregister; the channel is
// closed afterwards.
func (h *Hub) Subscribe() (events <-chan Event, cancel func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Observe registers fn to be called synchronously for every published
// event, in publish order. Unlike subscribers, observers never miss events,
// so fn must return quickly.
func (h *Hub) Observe(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Close unregisters every subscriber, which ends their event streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fn := range h.observers {
		fn(ev)
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("event subscriber too slow, dropping event", "type", ev.Type, "kind", ev.Kind)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams events as JSON
// text frames until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("event stream: accept", "err", err)
		return
	}
	defer c.CloseNow()

	events, cancel := h.Subscribe()
	defer cancel()

	// Nothing is expected from the client; CloseRead handles control frames
	// and cancels ctx when the peer closes.
	ctx := c.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, ev)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("event stream: write", "err", err)
				}
				return
			}
		}
	}
}
