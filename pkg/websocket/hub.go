package websocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

// MessageHandler is a function that handles incoming messages
type MessageHandler func(*Client, *Message)

// Broadcast targets.
const (
	targetDriver = "driver"
	targetOrder  = "order"
	targetAll    = "all"
)

// Hub tracks connected clients and the order rooms they watch, and fans
// messages out to them. All mutation happens on the Run loop or under
// the mutex.
type Hub struct {
	clients map[string]*Client            // by client ID
	orders  map[string]map[string]*Client // order rooms, by order ID then client ID

	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan *BroadcastMessage

	handlers map[string]MessageHandler

	mu sync.RWMutex
}

// BroadcastMessage addresses a message to a driver, an order room, or
// every connected client.
type BroadcastMessage struct {
	Target   string // "driver", "order", "all"
	TargetID string // driver ID or order ID, unused for "all"
	Message  *Message
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		orders:     make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client, 64),
		Broadcast:  make(chan *BroadcastMessage, 256),
		handlers:   make(map[string]MessageHandler),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	logger.Info("websocket hub started")
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case broadcast := <-h.Broadcast:
			h.broadcastMessage(broadcast)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A reconnect replaces the previous connection for the same ID.
	if existing, ok := h.clients[client.ID]; ok {
		existing.closeSend()
	}

	h.clients[client.ID] = client
	logger.Debug("websocket client registered",
		zap.String("client_id", client.ID),
		zap.String("role", client.Role))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)

	if orderID := client.GetOrder(); orderID != "" {
		h.leaveRoomLocked(client.ID, orderID)
	}

	client.closeSend()
	logger.Debug("websocket client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(broadcast *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch broadcast.Target {
	case targetDriver:
		if client, ok := h.clients[broadcast.TargetID]; ok {
			client.SendMessage(broadcast.Message)
		}

	case targetOrder:
		for _, client := range h.orders[broadcast.TargetID] {
			client.SendMessage(broadcast.Message)
		}

	case targetAll:
		for _, client := range h.clients {
			client.SendMessage(broadcast.Message)
		}
	}
}

// HandleMessage routes an inbound message to the handler registered for
// its type.
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	handler, exists := h.handlers[msg.Type]
	h.mu.RUnlock()

	if !exists {
		logger.Debug("no handler for websocket message type",
			zap.String("type", msg.Type),
			zap.String("client_id", client.ID))
		return
	}
	handler(client, msg)
}

// RegisterHandler registers a message handler for a specific type
func (h *Hub) RegisterHandler(msgType string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// AddClientToOrder adds a client to an order room
func (h *Hub) AddClientToOrder(clientID, orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}

	if _, ok := h.orders[orderID]; !ok {
		h.orders[orderID] = make(map[string]*Client)
	}
	h.orders[orderID][clientID] = client
	client.SetOrder(orderID)
}

// RemoveClientFromOrder removes a client from an order room
func (h *Hub) RemoveClientFromOrder(clientID, orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveRoomLocked(clientID, orderID)
	if client, ok := h.clients[clientID]; ok {
		client.SetOrder("")
	}
}

// leaveRoomLocked drops clientID from the room, deleting the room when
// it empties. Caller holds h.mu.
func (h *Hub) leaveRoomLocked(clientID, orderID string) {
	room, ok := h.orders[orderID]
	if !ok {
		return
	}
	delete(room, clientID)
	if len(room) == 0 {
		delete(h.orders, orderID)
	}
}

// SendToDriver sends a message to a specific driver connection
func (h *Hub) SendToDriver(driverID string, msg *Message) {
	h.Broadcast <- &BroadcastMessage{Target: targetDriver, TargetID: driverID, Message: msg}
}

// SendToOrder sends a message to all clients watching an order
func (h *Hub) SendToOrder(orderID string, msg *Message) {
	h.Broadcast <- &BroadcastMessage{Target: targetOrder, TargetID: orderID, Message: msg}
}

// SendToAll broadcasts a message to all connected clients
func (h *Hub) SendToAll(msg *Message) {
	h.Broadcast <- &BroadcastMessage{Target: targetAll, Message: msg}
}

// GetClient returns a client by ID
func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	return client, ok
}

// GetClientsInOrder returns all clients watching an order
func (h *Hub) GetClientsInOrder(orderID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.orders[orderID]))
	for _, client := range h.orders[orderID] {
		clients = append(clients, client)
	}
	return clients
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetOrderRoomCount returns the number of active order rooms
func (h *Hub) GetOrderRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.orders)
}
