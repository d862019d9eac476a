package hub

import (
	"context"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/logging"
	"github.com/XavierBriggs/fortuna/services/risk-engine/pkg/models"
)

// Hub fans recommendation batches out to websocket subscribers
type Hub struct {
	clients   map[*Client]bool
	clientsMu sync.RWMutex

	broadcast  chan *models.Batch
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	totalConnections int64
	totalMessages    int64
	metricsMu        sync.Mutex
}

// NewHub creates a hub. Call Run before registering clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *models.Batch, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	log := logging.WithComponent("hub")
	log.Info("hub started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.clientsMu.Unlock()

			h.metricsMu.Lock()
			h.totalConnections++
			h.metricsMu.Unlock()
			log.WithField("client_id", c.ID).WithField("clients", count).Info("client connected")

		case c := <-h.unregister:
			h.removeClient(c)

		case batch := <-h.broadcast:
			h.broadcastBatch(batch)
		}
	}
}

// Register adds a client. It is a no-op once the hub has stopped.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues a batch for delivery, dropping it when the queue is full
func (h *Hub) Broadcast(batch *models.Batch) {
	select {
	case h.broadcast <- batch:
	default:
		logging.WithComponent("hub").WithField("batch_id", batch.ID).Warn("broadcast buffer full, dropping batch")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Metrics returns hub counters
func (h *Hub) Metrics() map[string]interface{} {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()

	return map[string]interface{}{
		"active_clients":    h.ClientCount(),
		"total_connections": h.totalConnections,
		"total_messages":    h.totalMessages,
		"broadcast_usage":   len(h.broadcast),
	}
}

func (h *Hub) removeClient(c *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.stop()
		logging.WithComponent("hub").WithField("client_id", c.ID).
			WithField("clients", len(h.clients)).Info("client disconnected")
	}
}

func (h *Hub) broadcastBatch(batch *models.Batch) {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	message := models.ServerMessage{
		Type:      models.MessageTypeBatch,
		Payload:   batch,
		Timestamp: time.Now(),
	}

	sent := 0
	for _, c := range clients {
		if !c.MatchesBatch(batch) {
			continue
		}
		if c.TrySend(message) {
			sent++
			continue
		}
		// slow consumer
		logging.WithComponent("hub").WithField("client_id", c.ID).Warn("client buffer full, disconnecting")
		h.removeClient(c)
	}

	if sent > 0 {
		h.metricsMu.Lock()
		h.totalMessages++
		h.metricsMu.Unlock()
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	logging.WithComponent("hub").WithField("clients", len(h.clients)).Info("shutting down hub")
	for c := range h.clients {
		c.stop()
		delete(h.clients, c)
	}
}
