// Package status streams acquisition session status to websocket clients.
package status

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

// MessageType tags each websocket message.
type MessageType string

const (
	MsgStatus     MessageType = "status"
	MsgHandoff    MessageType = "handoff"
	MsgPrediction MessageType = "prediction"
)

// Message is the envelope sent to websocket clients.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// PredictionPayload carries the disease-analysis result of a handoff.
type PredictionPayload struct {
	SessionID  string `json:"sessionId"`
	FrameIndex int64  `json:"frameIndex"`
	Prediction any    `json:"prediction"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 16),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans session status out to connected clients. It implements
// acquisition.StatusObserver and never blocks the acquisition loop: a client
// whose buffer is full is disconnected.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool

	lastMu sync.RWMutex
	last   *acquisition.Status

	logger *slog.Logger
}

// NewBroadcaster returns a Broadcaster with no clients.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

// addClient registers conn and sends it the latest status, if any.
func (b *Broadcaster) addClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	if last, ok := b.Last(); ok {
		data, err := json.Marshal(Message{Type: messageType(last), Payload: last})
		if err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}

	return c
}

// removeClient unregisters c and closes its connection.
func (b *Broadcaster) removeClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Publish implements acquisition.StatusObserver.
func (b *Broadcaster) Publish(status acquisition.Status) {
	b.lastMu.Lock()
	b.last = &status
	b.lastMu.Unlock()

	b.broadcast(Message{Type: messageType(status), Payload: status})
}

// PublishPrediction announces the disease-analysis result of a handoff.
func (b *Broadcaster) PublishPrediction(payload acquisition.HandoffPayload, prediction any) {
	b.broadcast(Message{
		Type: MsgPrediction,
		Payload: PredictionPayload{
			SessionID:  payload.SessionID,
			FrameIndex: payload.Frame.Index,
			Prediction: prediction,
		},
	})
}

// Last returns the most recently published status.
func (b *Broadcaster) Last() (acquisition.Status, bool) {
	b.lastMu.RLock()
	defer b.lastMu.RUnlock()
	if b.last == nil {
		return acquisition.Status{}, false
	}
	return *b.last, true
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("Broadcast marshal failed", "error", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("Status client too slow, disconnecting")
		b.removeClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func messageType(s acquisition.Status) MessageType {
	if s.HandedOff {
		return MsgHandoff
	}
	return MsgStatus
}
