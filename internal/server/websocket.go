// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are filtered by the CORS middleware
		return true
	},
}

// WSMessage represents a message sent over WebSocket.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSCommand is a control message sent by a client.
//
//	{"type":"pause","taskId":"..."}
//	{"type":"cancelAll","batchId":"..."}
//	{"type":"submit","tasks":[{"url":"https://..."}],"options":{"maxConcurrent":4}}
type WSCommand struct {
	Type    string                `json:"type"`
	TaskID  string                `json:"taskId,omitempty"`
	BatchID string                `json:"batchId,omitempty"`
	Tasks   []batchfetch.TaskSpec `json:"tasks,omitempty"`
	Options *batchfetch.Options   `json:"options,omitempty"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	handle func(*WSClient, []byte)
	closed bool
	mu     sync.Mutex
}

// WSHub manages WebSocket clients and broadcasts.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
	log        *log.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *log.Logger) *WSHub {
	if logger == nil {
		logger = log.Default()
	}
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		log:        logger.WithPrefix("ws"),
	}
}

// Run starts the hub's main loop.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", "clients", n)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.trySend(message) {
					// Client's buffer is full, disconnect
					delete(h.clients, client)
					client.close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msgType string, data any) {
	jsonData, err := json.Marshal(WSMessage{Type: msgType, Data: data})
	if err != nil {
		h.log.Error("marshal message", "type", msgType, "err", err)
		return
	}

	select {
	case h.broadcast <- jsonData:
	default:
		h.log.Warn("broadcast channel full, dropping message", "type", msgType)
	}
}

// BroadcastBatch sends a batch progress update to all clients.
func (h *WSHub) BroadcastBatch(bp *BatchProgress) {
	h.Broadcast("batch_update", bp)
}

// BroadcastEvent sends an orchestrator event to all clients.
func (h *WSHub) BroadcastEvent(e batchfetch.Event) {
	h.Broadcast("event", e)
}

// Publish implements batchfetch.EventSink for callers that want raw events
// without batch tracking.
func (h *WSHub) Publish(e batchfetch.Event) {
	h.BroadcastEvent(e)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket handles WebSocket connections.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    s.wsHub,
		handle: s.handleCommand,
	}

	s.wsHub.register <- client

	// Send initial state before the pumps start so it is the first frame
	s.sendInitialState(client)

	go client.writePump()
	go client.readPump()
}

// sendInitialState sends current batch state to a newly connected client.
func (s *Server) sendInitialState(client *WSClient) {
	client.reply("init", map[string]any{
		"batches": s.tracker.List(),
		"version": s.version,
	})
}

// handleCommand executes a control message from a client and replies to
// that client only.
func (s *Server) handleCommand(c *WSClient, raw []byte) {
	var cmd WSCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.reply("error", ErrorResponse{Error: "Invalid command", Details: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch cmd.Type {
	case "submit":
		var id string
		id, err = s.submit(ctx, cmd.Tasks, cmd.Options)
		if err == nil {
			c.reply("submitted", map[string]string{"batchId": id})
			return
		}
	case "pause", "resume", "cancel":
		err = s.taskAction(ctx, cmd.TaskID, cmd.Type)
	case "pauseAll", "resumeAll", "cancelAll":
		err = s.batchAction(ctx, cmd.BatchID, cmd.Type[:len(cmd.Type)-len("All")])
	default:
		err = errUnknownAction
	}

	if err != nil {
		c.reply("error", map[string]string{
			"command": cmd.Type,
			"error":   err.Error(),
		})
		return
	}
	c.reply("ack", map[string]string{
		"command": cmd.Type,
		"taskId":  cmd.TaskID,
		"batchId": cmd.BatchID,
	})
}

// reply queues a message for this client only.
func (c *WSClient) reply(msgType string, data any) {
	b, err := json.Marshal(WSMessage{Type: msgType, Data: data})
	if err != nil {
		return
	}
	c.trySend(b)
}

func (c *WSClient) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message so clients can decode each as JSON
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client commands until the connection closes.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", "err", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if c.handle != nil {
			c.handle(c, message)
		}
	}
}
