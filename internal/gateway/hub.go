package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mlukyanov/tradecore/internal/bus"
	"github.com/mlukyanov/tradecore/internal/metrics"
)

// Hub owns the local socket registry and relays bus broadcasts to the
// connections of the addressed user. Sockets on other instances are reached
// through the bus, never directly.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[string]map[string]*Client

	recorder *metrics.Recorder
	logger   *slog.Logger
}

// NewHub returns an empty registry.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:    make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
		recorder: metrics.NewRecorder(),
		logger:   logger.With("component", "gateway_hub"),
	}
}

// Attach adds a client to the registry.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.id] = c
	userConns, ok := h.byUser[c.userID]
	if !ok {
		userConns = make(map[string]*Client)
		h.byUser[c.userID] = userConns
	}
	userConns[c.id] = c
}

// Detach removes a client. Safe to call for a client that was never attached.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	if userConns, ok := h.byUser[c.userID]; ok {
		delete(userConns, c.id)
		if len(userConns) == 0 {
			delete(h.byUser, c.userID)
		}
	}
}

// ConnectionCount reports how many sockets this instance currently owns.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// DeliverUser queues message on every local connection of the user and
// returns how many sockets accepted it. A slow consumer is skipped rather
// than allowed to stall the fan-out.
func (h *Hub) DeliverUser(userID string, message []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.byUser[userID] {
		select {
		case c.send <- message:
			n++
		default:
			h.logger.Warn("send buffer full, dropping message",
				"connection_id", c.id,
				"user_id", userID)
		}
	}
	return n
}

// Run consumes bus broadcasts until the stream closes or ctx ends.
func (h *Hub) Run(ctx context.Context, broadcasts <-chan bus.Broadcast) {
	for {
		select {
		case bc, ok := <-broadcasts:
			if !ok {
				return
			}
			h.dispatch(bc)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch wraps a broadcast payload as {topic, data} and delivers it to the
// locally owned sockets of the payload's user.
func (h *Hub) dispatch(bc bus.Broadcast) {
	var addressee struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(bc.Payload, &addressee); err != nil {
		h.logger.Warn("malformed broadcast payload",
			"channel", bc.Channel,
			"error", err)
		return
	}
	if addressee.UserID == "" {
		h.logger.Warn("broadcast without user_id", "channel", bc.Channel)
		return
	}

	frame, err := json.Marshal(serverMessage{Topic: bc.Channel, Data: bc.Payload})
	if err != nil {
		h.logger.Error("broadcast frame marshal failed",
			"channel", bc.Channel,
			"error", err)
		return
	}

	delivered := h.DeliverUser(addressee.UserID, frame)
	for i := 0; i < delivered; i++ {
		h.recorder.RecordWSMessage("out")
	}
}
