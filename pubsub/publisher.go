package pubsub

import (
	"encoding/json"
	"log"
	"net"
	"sync/atomic"

	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Publisher binds a TCP listener and publishes ControlMessages to every
// connected subscriber. Publish never blocks on a slow consumer, and
// failures are logged, never returned to the caller's tick loop.
type Publisher struct {
	topic    string
	listener net.Listener
	hub      *hub
	nextID   atomic.Uint64
}

// Listen binds addr (e.g. "tcp://*:2222" style config is translated to
// a Go net address like ":2222" by the caller) and starts accepting
// subscriber connections.
func Listen(addr, topic string) (*Publisher, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		topic:    topic,
		listener: ln,
		hub:      newHub(topic, 16),
	}
	go p.acceptLoop()
	return p, nil
}

func (p *Publisher) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.hub.serve(conn, 16)
	}
}

// Publish sends msg to every connected subscriber, assigning the next
// monotonic message id. Safe for concurrent use, though the controller
// only ever calls it from a single tick loop.
func (p *Publisher) Publish(msg model.ControlMessage) {
	msg.MessageID = p.nextID.Add(1)
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("pubsub: marshal control message: %v", err)
		observability.PublishFailures.Inc()
		return
	}
	p.hub.Broadcast(body)
	observability.PublishedMessages.Inc()
	observability.ProxySubscribers.Set(float64(p.hub.Count()))
}

// Subscribers returns the current connected-subscriber count.
func (p *Publisher) Subscribers() int { return p.hub.Count() }

// Close stops accepting connections and disconnects every subscriber.
func (p *Publisher) Close() error {
	p.hub.Close()
	return p.listener.Close()
}
