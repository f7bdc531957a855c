package pubsub

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/observability"
)

// Proxy relays every message from one upstream publisher to any number
// of downstream subscribers, and replays the most recently forwarded
// message to each newly connected subscriber within replayDeadline.
// Unlike Subscriber's single-slot mailbox, the proxy forwards every
// distinct message it receives: it is a relay, not a consumer that is
// allowed to coalesce.
type Proxy struct {
	topic          string
	downstream     net.Listener
	hub            *hub
	replayDeadline time.Duration

	mu         sync.Mutex
	lastID     uint64
	haveLast   bool
	cachedBody []byte

	redisClient *redis.Client
	redisKey    string
}

// ProxyOption configures optional behavior.
type ProxyOption func(*Proxy)

// WithRedisPersistence mirrors the single cached message to Redis after
// every forward, and seeds the in-memory cache from Redis at startup, so
// a restarted proxy doesn't present an empty cache until the next
// upstream heartbeat. Purely an optimization: the replay guarantee
// never depends on Redis being reachable.
func WithRedisPersistence(client *redis.Client, key string) ProxyOption {
	return func(p *Proxy) {
		p.redisClient = client
		p.redisKey = key
	}
}

// NewProxy binds downstreamAddr and connects to upstreamAddr, starting
// the relay loop in the background.
func NewProxy(ctx context.Context, upstreamAddr, downstreamAddr, topic string, replayDeadline time.Duration, opts ...ProxyOption) (*Proxy, error) {
	ln, err := net.Listen("tcp", downstreamAddr)
	if err != nil {
		return nil, err
	}
	p := &Proxy{
		topic:          topic,
		downstream:     ln,
		replayDeadline: replayDeadline,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.hub = newHub(topic, 16)
	p.hub.onSubscribe = p.replayTo

	p.seedFromRedis(ctx)

	go p.acceptDownstream()
	go p.relayUpstream(ctx, upstreamAddr)
	return p, nil
}

func (p *Proxy) seedFromRedis(ctx context.Context) {
	if p.redisClient == nil {
		return
	}
	val, err := p.redisClient.Get(ctx, p.redisKey).Bytes()
	if err != nil {
		return
	}
	p.mu.Lock()
	p.cachedBody = val
	p.haveLast = true
	p.mu.Unlock()
}

func (p *Proxy) acceptDownstream() {
	for {
		conn, err := p.downstream.Accept()
		if err != nil {
			return
		}
		go p.hub.serve(conn, 16)
	}
}

// replayTo is invoked by the hub synchronously at registration time,
// before any broadcast can interleave, satisfying the "replay before
// any further upstream message" ordering requirement.
func (p *Proxy) replayTo(s *subscriber) {
	start := time.Now()
	p.mu.Lock()
	body := p.cachedBody
	have := p.haveLast
	p.mu.Unlock()
	if !have {
		return
	}
	s.send(body)
	elapsed := time.Since(start)
	observability.ProxyReplayDuration.Observe(elapsed.Seconds())
	if elapsed > p.replayDeadline {
		log.Printf("pubsub: replay to %s took %s, exceeding replay deadline %s", s.conn.RemoteAddr(), elapsed, p.replayDeadline)
	}
}

func (p *Proxy) relayUpstream(ctx context.Context, upstreamAddr string) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for ctx.Err() == nil {
		conn, err := net.Dial("tcp", upstreamAddr)
		if err != nil {
			log.Printf("pubsub: proxy dial upstream %s: %v", upstreamAddr, err)
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
		p.relayLoop(ctx, conn)
	}
}

func (p *Proxy) relayLoop(ctx context.Context, conn net.Conn) {
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
			log.Printf("pubsub: proxy decode: %v", err)
			continue
		}

		p.mu.Lock()
		if p.haveLast && msg.MessageID == p.lastID {
			p.mu.Unlock()
			continue // exact duplicate by message_id
		}
		p.lastID = msg.MessageID
		p.haveLast = true
		p.cachedBody = body
		p.mu.Unlock()

		if p.redisClient != nil {
			p.redisClient.Set(ctx, p.redisKey, body, 0)
		}

		p.hub.Broadcast(body)
		observability.ProxySubscribers.Set(float64(p.hub.Count()))
	}
}

// Subscribers returns the current downstream subscriber count.
func (p *Proxy) Subscribers() int { return p.hub.Count() }

// Close stops the proxy.
func (p *Proxy) Close() error {
	p.hub.Close()
	return p.downstream.Close()
}
