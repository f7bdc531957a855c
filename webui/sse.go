package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mistcool/unitcooler/observability"
)

// sseBroker fans out re-fetch signals ("log" / "stat") to every
// connected dashboard. Slow clients are dropped once their buffer
// fills, never blocking the publisher.
type sseBroker struct {
	queueMax int

	mu      sync.Mutex
	clients map[chan string]struct{}
}

func newSSEBroker(queueMax int) *sseBroker {
	if queueMax <= 0 {
		queueMax = 64
	}
	return &sseBroker{
		queueMax: queueMax,
		clients:  make(map[chan string]struct{}),
	}
}

func (b *sseBroker) publish(signal string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- signal:
		default:
			delete(b.clients, ch)
			close(ch)
			observability.SSEDropped.Inc()
			observability.SSEClients.Dec()
		}
	}
}

func (b *sseBroker) subscribe() (<-chan string, func()) {
	ch := make(chan string, b.queueMax)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	observability.SSEClients.Inc()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.clients[ch]; ok {
				delete(b.clients, ch)
				close(ch)
				observability.SSEClients.Dec()
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// handle serves one SSE client connection until it disconnects, goes
// idle past 5 minutes, or falls too far behind.
func (b *sseBroker) handle(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsub := b.subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	idle := time.NewTimer(5 * time.Minute)
	defer idle.Stop()

	for {
		select {
		case signal, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", signal)
			flusher.Flush()
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(5 * time.Minute)
		case <-idle.C:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// publishStatSignals turns every accepted control message into a
// "stat" re-fetch signal on /api/event; "log" signals come from event
// ingest (aggregation mode) or the actuator's forwarded stream.
func publishStatSignals(ctx context.Context, sub interface{ Notify() <-chan struct{} }, broker *sseBroker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Notify():
			broker.publish("stat")
		}
	}
}

// forwardActuatorEvents tails the single actuator's own SSE stream and
// republishes its signals into the local broker, so dashboards get
// "log" notifications in deployments without the Postgres aggregator.
func forwardActuatorEvents(ctx context.Context, actuatorURL string, broker *sseBroker) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	client := &http.Client{}

	for ctx.Err() == nil {
		if err := tailEvents(ctx, client, actuatorURL+"/api/event", broker); err != nil && ctx.Err() == nil {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

func tailEvents(ctx context.Context, client *http.Client, url string, broker *sseBroker) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse tail: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if signal, ok := strings.CutPrefix(line, "data: "); ok {
			broker.publish(signal)
		}
	}
	return scanner.Err()
}
