package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mistcool/unitcooler/pubsub"
)

const maxWSConnections = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard and API share an origin in every deployment shape.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusHub pushes the latest control message to every connected
// dashboard websocket once per second. A single broadcaster ticker
// serves all clients rather than one ticker per connection.
type statusHub struct {
	sub *pubsub.Subscriber

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

type statusFrame struct {
	Have       bool        `json:"have_message"`
	Message    interface{} `json:"message,omitempty"`
	AgeSeconds float64     `json:"age_seconds"`
}

func newStatusHub(sub *pubsub.Subscriber) *statusHub {
	return &statusHub{
		sub:        sub,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *statusHub) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("webui: websocket rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *statusHub) broadcast() {
	msg, have := h.sub.Latest()
	frame := statusFrame{Have: have}
	if have {
		frame.Message = msg
		if last, ok := h.sub.LastSeen(); ok {
			frame.AgeSeconds = time.Since(last).Seconds()
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *statusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// handle upgrades one dashboard connection and parks in a read loop so
// client-initiated closes unregister promptly.
func (h *statusHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("webui: websocket upgrade: %v", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
