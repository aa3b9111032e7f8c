package main

import (
	"encoding/json"
	"sync"

	"github.com/rexliu/fedichess/pkg/ipc"
	"github.com/rexliu/fedichess/pkg/proto"
)

// subscriberBuffer is how many events a subscriber may lag behind before
// further events are dropped for it.
const subscriberBuffer = 64

// eventHub fans bridge events out to IPC subscribers. A slow subscriber
// loses events; the bridge pump never blocks on it.
type eventHub struct {
	logger ipc.Logger

	mu        sync.Mutex
	clients   map[*eventClient]struct{}
	closed    bool
	delivered uint64
	dropped   uint64
}

type eventClient struct {
	send    chan []byte
	dropped uint64
}

type hubStats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

func newEventHub(logger ipc.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
	}
}

// register adds a subscriber. It returns nil once the hub is closed.
func (h *eventHub) register() *eventClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	client := &eventClient{send: make(chan []byte, subscriberBuffer)}
	h.clients[client] = struct{}{}
	return client
}

func (h *eventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if client.dropped > 0 {
		h.logf("subscriber left after missing %d events", client.dropped)
	}
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *eventHub) stats() hubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hubStats{Subscribers: len(h.clients), Delivered: h.delivered, Dropped: h.dropped}
}

func (h *eventHub) broadcast(ev proto.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logf("encode %s event: %v", ev.Kind, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
			h.delivered++
		default:
			// Log the first miss only; the rest show up in the counters.
			if client.dropped == 0 {
				h.logf("subscriber is falling behind; dropping %s event", ev.Kind)
			}
			client.dropped++
			h.dropped++
		}
	}
}

// close ends every subscription.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *eventHub) logf(format string, v ...any) {
	if h.logger != nil {
		h.logger.Printf(format, v...)
	}
}
