package pubsub

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Subscriber dials an upstream publisher (or proxy) and delivers decoded
// ControlMessages to a single-slot mailbox: the latest message always
// wins, and a consumer that falls behind simply sees the newest value
// rather than queueing stale ones.
type Subscriber struct {
	addr  string
	topic string

	mu          sync.Mutex
	last        model.ControlMessage
	have        bool
	lastSeen    time.Time
	livenessTO  time.Duration
	onLivenessLost func()

	notify chan struct{}

	cancel context.CancelFunc
}

// Dial connects to addr and begins delivering messages. livenessTimeout
// of zero disables the watchdog (used by read-only UI subscribers that
// don't drive a scheduler).
func Dial(ctx context.Context, addr, topic string, livenessTimeout time.Duration, onLivenessLost func()) *Subscriber {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscriber{
		addr:           addr,
		topic:          topic,
		livenessTO:     livenessTimeout,
		onLivenessLost: onLivenessLost,
		notify:         make(chan struct{}, 1),
		cancel:         cancel,
	}
	go s.connectLoop(ctx)
	if livenessTimeout > 0 {
		go s.watchdog(ctx)
	}
	return s
}

func (s *Subscriber) connectLoop(ctx context.Context) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for ctx.Err() == nil {
		conn, err := net.Dial("tcp", s.addr)
		if err != nil {
			log.Printf("pubsub: dial %s: %v", s.addr, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 500 * time.Millisecond
		s.readLoop(ctx, conn)
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		_, body, err := readMessage(r)
		if err != nil {
			return
		}
		var msg model.ControlMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			log.Printf("pubsub: decode control message: %v", err)
			continue
		}
		s.accept(msg)
	}
}

func (s *Subscriber) accept(msg model.ControlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.have && !msg.Newer(s.last) {
		return
	}
	s.last = msg
	s.have = true
	s.lastSeen = time.Now()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Latest returns the most recently accepted message.
func (s *Subscriber) Latest() (model.ControlMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.have
}

// Notify returns a channel that receives a value whenever a newer
// message is accepted, for the duty scheduler's single mailbox.
func (s *Subscriber) Notify() <-chan struct{} { return s.notify }

// LastSeen returns when the most recent message was accepted; ok is
// false if none has arrived yet. The Web-UI's /api/healthz compares
// this against the liveness timeout.
func (s *Subscriber) LastSeen() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, s.have
}

func (s *Subscriber) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.livenessTO / 3)
	defer ticker.Stop()
	lostNotified := false
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			age := time.Since(started)
			if s.have {
				age = time.Since(s.lastSeen)
			}
			stale := age > s.livenessTO
			s.mu.Unlock()
			observability.SubscriberLivenessAge.Set(age.Seconds())
			if stale && !lostNotified {
				lostNotified = true
				if s.onLivenessLost != nil {
					s.onLivenessLost()
				}
			} else if !stale {
				lostNotified = false
			}
		}
	}
}

// Close stops the subscriber's background goroutines.
func (s *Subscriber) Close() { s.cancel() }
