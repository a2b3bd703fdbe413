package ctl

import (
	"log"
	"sync"
	"time"

	"worldreset.gg/internal/ctlproto"
	"worldreset.gg/internal/reset"
)

// recentCap bounds the replay buffer handed to new event subscribers.
const recentCap = 64

// Hub fans reset lifecycle events out to control-plane subscribers. It is
// constructed before the orchestrator so the orchestrator can publish into
// it without either side owning the other.
type Hub struct {
	log *log.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan ctlproto.Event
	recent []ctlproto.Event
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log:  logger,
		subs: make(map[uint64]chan ctlproto.Event),
	}
}

// PublishReset adapts an orchestrator event onto the wire and publishes it.
func (h *Hub) PublishReset(ev reset.Event) {
	h.Publish(ctlproto.Event{
		TS:     ev.At.UTC().Format(time.RFC3339Nano),
		OpID:   ev.OpID,
		Kind:   ev.Kind,
		State:  string(ev.State),
		Detail: ev.Detail,
	})
}

// Publish stamps the frame and delivers it to every subscriber. A slow
// subscriber loses events rather than stalling the publisher.
func (h *Hub) Publish(ev ctlproto.Event) {
	ev.Type = "EVENT"
	ev.ProtocolVersion = ctlproto.Version
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, ev)
	if len(h.recent) > recentCap {
		h.recent = h.recent[len(h.recent)-recentCap:]
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Printf("WARN events subscriber %d lagging, dropping frame", id)
		}
	}
}

// Subscribe registers a listener and returns up to replay buffered events
// to send before live ones.
func (h *Hub) Subscribe(replay int) (uint64, <-chan ctlproto.Event, []ctlproto.Event) {
	if replay < 0 {
		replay = 0
	}
	if replay > recentCap {
		replay = recentCap
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan ctlproto.Event, 32)
	h.subs[id] = ch

	var backlog []ctlproto.Event
	if replay > 0 && len(h.recent) > 0 {
		start := len(h.recent) - replay
		if start < 0 {
			start = 0
		}
		backlog = append(backlog, h.recent[start:]...)
	}
	return id, ch, backlog
}

func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers reports the current listener count (for metrics).
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
