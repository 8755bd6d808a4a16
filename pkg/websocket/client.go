package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Message represents a WebSocket message
type Message struct {
	Type      string                 `json:"type"` // offer, location, status, ...
	OrderID   string                 `json:"order_id,omitempty"`
	DriverID  string                 `json:"driver_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Client is one WebSocket connection: a driver app or a dispatcher
// console session.
type Client struct {
	ID      string // driver ID or console session ID
	OrderID string // order room the client is watching, if any
	Role    string // "driver" or "dispatcher"
	Conn    *websocket.Conn
	Send    chan *Message // buffered outbound queue
	Hub     *Hub

	mu        sync.RWMutex
	closeOnce sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, role string) *Client {
	return &Client{
		ID:   id,
		Conn: conn,
		Send: make(chan *Message, 256),
		Hub:  hub,
		Role: role,
	}
}

// ReadPump pumps inbound frames to the hub until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read failed",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}

		// Stamp server-side; drivers cannot speak for other drivers.
		msg.Timestamp = time.Now()
		if c.Role == "driver" {
			msg.DriverID = c.ID
		}

		c.Hub.HandleMessage(c, &msg)
	}
}

// WritePump drains the send queue onto the connection and keeps the peer
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a message for the client. A full queue means the
// peer stopped reading; the client is dropped rather than blocking the
// hub.
func (c *Client) SendMessage(msg *Message) {
	select {
	case c.Send <- msg:
	default:
		logger.Warn("websocket send queue full, dropping client",
			zap.String("client_id", c.ID),
			zap.String("role", c.Role))
		c.closeSend()
		// The hub may be mid-broadcast and unable to take the
		// unregister right now; never block a fan-out on it.
		select {
		case c.Hub.Unregister <- c:
		default:
			go func() { c.Hub.Unregister <- c }()
		}
	}
}

// closeSend closes the outbound queue exactly once. Both the hub and the
// overflow path in SendMessage may try.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// SetOrder associates the client with an order room
func (c *Client) SetOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OrderID = orderID
}

// GetOrder returns the order room the client is watching
func (c *Client) GetOrder() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.OrderID
}

// MarshalJSON pins the timestamp to RFC3339 so driver apps on every
// platform parse it the same way.
func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Timestamp: m.Timestamp.Format(time.RFC3339),
		Alias:     (*Alias)(m),
	})
}

// UnmarshalJSON accepts a missing timestamp and rejects a malformed one.
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = t
	}
	return nil
}
