package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hubenschmidt/mindmap/internal/metrics"
)

// subscriberBuffer is how many messages a slow client may fall behind
// before updates to it are dropped.
const subscriberBuffer = 64

// Hub fans dashboard messages out to SSE and WebSocket subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan []byte]struct{}{}}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	metrics.StreamClients.Inc()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		metrics.StreamClients.Dec()
	}
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast sends data to every subscriber without blocking. A subscriber
// whose buffer is full misses the message.
func (h *Hub) Broadcast(data []byte) {
	if data == nil {
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}

// Publish marshals v and broadcasts it.
func (h *Hub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("hub marshal", "error", err)
		return
	}
	h.Broadcast(data)
}
