// Package notify delivers operator notifications for hardware faults.
// One real implementation posts to a Slack incoming webhook; a log-only
// implementation stands in for dummy mode and tests. Deliveries are
// rate-limited with a token bucket so a flapping sensor can't flood the
// channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mistcool/unitcooler/observability"
)

// Notifier is the narrow interface fault handling depends on.
type Notifier interface {
	Notify(ctx context.Context, title, detail string) error
	Close() error
}

// SlackNotifier posts JSON payloads to a Slack incoming webhook URL.
type SlackNotifier struct {
	webhookURL string
	nodeID     string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewSlackNotifier builds a SlackNotifier. ratePerMin and burst bound
// outbound deliveries; notifications over the limit are counted and
// dropped, never queued.
func NewSlackNotifier(webhookURL, nodeID string, ratePerMin float64, burst int) *SlackNotifier {
	if burst <= 0 {
		burst = 1
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		nodeID:     nodeID,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(ratePerMin/60.0), burst),
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

// Notify posts one message, subject to the rate limit.
func (n *SlackNotifier) Notify(ctx context.Context, title, detail string) error {
	if !n.limiter.Allow() {
		observability.NotifyRateLimited.Inc()
		return nil
	}

	payload := slackPayload{
		Text: fmt.Sprintf("[%s] %s: %s", n.nodeID, title, detail),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: slack webhook returned %s", resp.Status)
	}
	return nil
}

// Close is a no-op for SlackNotifier.
func (n *SlackNotifier) Close() error { return nil }

// LogNotifier writes notifications to the process log instead of an
// external channel, for dummy-mode runs and tests.
type LogNotifier struct {
	nodeID  string
	limiter *rate.Limiter
}

// NewLogNotifier builds a LogNotifier with the same rate limiting as
// the real notifier so tests exercise the limiter path too.
func NewLogNotifier(nodeID string, ratePerMin float64, burst int) *LogNotifier {
	if burst <= 0 {
		burst = 1
	}
	return &LogNotifier{
		nodeID:  nodeID,
		limiter: rate.NewLimiter(rate.Limit(ratePerMin/60.0), burst),
	}
}

func (n *LogNotifier) Notify(ctx context.Context, title, detail string) error {
	if !n.limiter.Allow() {
		observability.NotifyRateLimited.Inc()
		return nil
	}
	log.Printf("notify: [%s] %s: %s", n.nodeID, title, detail)
	return nil
}

func (n *LogNotifier) Close() error { return nil }
