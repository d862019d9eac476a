package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/logging"
	"github.com/XavierBriggs/fortuna/services/risk-engine/pkg/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

// Client is one websocket subscriber
type Client struct {
	ID   string
	conn *websocket.Conn
	Send chan models.ServerMessage
	hub  *Hub

	// done is closed once the hub drops the client; Send is never closed
	done      chan struct{}
	closeOnce sync.Once

	filter   models.SubscriptionFilter
	filterMu sync.RWMutex

	connectedAt      time.Time
	messagesSent     int64
	messagesReceived int64
	lastMessageAt    time.Time
	mu               sync.Mutex
}

// NewClient creates a client bound to a hub
func NewClient(id string, conn *websocket.Conn, h *Hub) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		Send:        make(chan models.ServerMessage, sendBufferSize),
		hub:         h,
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// ReadPump reads subscription messages until the connection drops
func (c *Client) ReadPump(ctx context.Context) {
	log := logging.WithComponent("hub").WithField("client_id", c.ID)
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}

		var msg models.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("unexpected close")
			}
			return
		}

		c.touch(&c.messagesReceived)
		c.handleClientMessage(msg)
	}
}

// WritePump writes queued messages and keepalive pings
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				logging.WithComponent("hub").WithField("client_id", c.ID).WithError(err).Warn("write failed")
				return
			}
			c.touch(&c.messagesSent)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a message without blocking. False means the buffer is full
// or the client has been dropped.
func (c *Client) TrySend(msg models.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// Done is closed when the hub drops the client
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// stop marks the client dropped. Safe to call more than once.
func (c *Client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// SetFilter replaces the subscription filter
func (c *Client) SetFilter(filter models.SubscriptionFilter) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	c.filter = filter
}

// MatchesBatch reports whether the batch passes the client's filter.
// An empty filter matches every batch.
func (c *Client) MatchesBatch(batch *models.Batch) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()

	if len(c.filter.UserIDs) == 0 {
		return true
	}
	for _, id := range c.filter.UserIDs {
		if id == batch.UserID {
			return true
		}
	}
	return false
}

// Stats returns connection statistics
func (c *Client) Stats() models.ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return models.ConnectionStats{
		ClientID:         c.ID,
		ConnectedAt:      c.connectedAt,
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
		LastMessageAt:    c.lastMessageAt,
	}
}

func (c *Client) handleClientMessage(msg models.ClientMessage) {
	switch msg.Type {
	case models.MessageTypeSubscribe:
		c.handleSubscribe(msg.Payload)
	case models.MessageTypeUnsubscribe:
		c.SetFilter(models.SubscriptionFilter{})
	case models.MessageTypeHeartbeat:
		c.TrySend(models.ServerMessage{
			Type:      models.MessageTypeHeartbeat,
			Payload:   c.Stats(),
			Timestamp: time.Now(),
		})
	default:
		c.sendError("unknown_message_type", fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *Client) handleSubscribe(payload map[string]interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.sendError("invalid_filter", "failed to parse filter")
		return
	}

	var filter models.SubscriptionFilter
	if err := json.Unmarshal(raw, &filter); err != nil {
		c.sendError("invalid_filter", "failed to parse filter")
		return
	}

	c.SetFilter(filter)
	logging.WithComponent("hub").WithField("client_id", c.ID).
		WithField("user_ids", filter.UserIDs).Debug("client subscribed")
}

func (c *Client) sendError(code, message string) {
	c.TrySend(models.ServerMessage{
		Type:      models.MessageTypeError,
		Payload:   models.ErrorMessage{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

func (c *Client) touch(counter *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*counter++
	c.lastMessageAt = time.Now()
}
