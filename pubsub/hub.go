package pubsub

import (
	"log"
	"net"
	"sync"
)

// subscriber is one connected downstream TCP client. Sends are
// non-blocking: a slow consumer's buffer fills and further messages to
// it are dropped rather than stalling the broadcaster.
type subscriber struct {
	conn net.Conn
	out  chan []byte
}

// hub accepts downstream TCP connections on a listen address and fans
// out every Broadcast call to all currently connected subscribers.
// Register/unregister is serialized through the run loop's channels.
type hub struct {
	topic string

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan []byte

	onSubscribe func(*subscriber) // called after a subscriber is registered; used by the proxy to replay the cached message

	done chan struct{}
}

func newHub(topic string, bufSize int) *hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	h := &hub{
		topic:      topic,
		subs:       make(map[*subscriber]struct{}),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan []byte, bufSize),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *hub) run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			h.mu.Unlock()
			if h.onSubscribe != nil {
				h.onSubscribe(s)
			}
		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.out)
			}
			h.mu.Unlock()
		case body := <-h.broadcast:
			h.mu.Lock()
			for s := range h.subs {
				select {
				case s.out <- body:
				default:
					log.Printf("pubsub: dropping message for slow subscriber %s", s.conn.RemoteAddr())
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for s := range h.subs {
				close(s.out)
			}
			h.subs = make(map[*subscriber]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends body to every connected subscriber.
func (h *hub) Broadcast(body []byte) {
	select {
	case h.broadcast <- body:
	case <-h.done:
	}
}

// Count returns the number of connected subscribers.
func (h *hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops the hub and disconnects all subscribers.
func (h *hub) Close() { close(h.done) }

func (h *hub) serve(conn net.Conn, sendBuf int) {
	s := &subscriber{conn: conn, out: make(chan []byte, sendBuf)}
	h.register <- s
	defer func() {
		h.unregister <- s
		conn.Close()
	}()

	for body := range s.out {
		if err := writeMessage(conn, h.topic, body); err != nil {
			return
		}
	}
}

// send delivers body directly to one subscriber's outbound channel,
// used by the proxy for the single-subscriber replay path which must
// complete before any broadcast message is interleaved.
func (s *subscriber) send(body []byte) {
	select {
	case s.out <- body:
	default:
	}
}
