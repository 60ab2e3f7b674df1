package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/recallhq/recall/internal/engine"
)

// EventHub broadcasts memory lifecycle events to WebSocket subscribers.
// It implements engine.EventSink: Publish never blocks the engine; slow
// subscribers are disconnected rather than backpressured.
type EventHub struct {
	mu      sync.Mutex
	clients map[subscriber]bool
	events  chan engine.Event
	done    chan struct{}
	stopped bool
}

// subscriber abstracts the connection so tests can subscribe without a
// real socket.
type subscriber interface {
	sendChannel() chan []byte
	disconnect()
}

// NewEventHub creates a hub. Call Run in a goroutine to start delivery.
func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[subscriber]bool),
		events:  make(chan engine.Event, 256),
		done:    make(chan struct{}),
	}
}

// Publish queues an event for broadcast. Drops the event when the hub's
// buffer is full; lifecycle events are advisory, not durable.
func (h *EventHub) Publish(event engine.Event) {
	select {
	case h.events <- event:
	case <-h.done:
	default:
		log.Printf("websocket: event buffer full, dropping %s for user %s", event.Type, event.UserID)
	}
}

// Run delivers events until Stop is called.
func (h *EventHub) Run() {
	for {
		select {
		case event := <-h.events:
			h.deliver(event)
		case <-h.done:
			return
		}
	}
}

// deliver fans one event out to all subscribers.
func (h *EventHub) deliver(event engine.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("websocket: failed to marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.sendChannel() <- data:
		default:
			// Slow consumer. Cut it loose instead of stalling the hub.
			delete(h.clients, client)
			close(client.sendChannel())
		}
	}
}

// Stop disconnects all subscribers and halts delivery.
func (h *EventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.done)

	for client := range h.clients {
		close(client.sendChannel())
		client.disconnect()
	}
	h.clients = make(map[subscriber]bool)
}

// subscribe registers a subscriber. Returns false after Stop.
func (h *EventHub) subscribe(client subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[client] = true
	log.Printf("websocket: client connected (total: %d)", len(h.clients))
	return true
}

// unsubscribe removes a subscriber if it is still registered.
func (h *EventHub) unsubscribe(client subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.sendChannel())
	}
	log.Printf("websocket: client disconnected (total: %d)", len(h.clients))
}

// SubscriberCount returns the number of connected clients.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// wsClient is one live WebSocket connection.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) disconnect() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	if !h.subscribe(client) {
		client.disconnect()
		return
	}

	go client.writePump(h)
	go client.readPump(h)
}

// writePump pushes queued events to the connection.
func (c *wsClient) writePump(h *EventHub) {
	defer c.disconnect()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			h.unsubscribe(c)
			return
		}
	}
}

// readPump drains incoming frames so disconnects are noticed promptly.
// Clients have nothing to say to the hub yet.
func (c *wsClient) readPump(h *EventHub) {
	defer func() {
		h.unsubscribe(c)
		c.disconnect()
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
