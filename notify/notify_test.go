package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestSlackNotifier_PostsPayload(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "pi-01", 60, 1)
	if err := n.Notify(context.Background(), "hardware fault", "no flow while open"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(got.Text, "pi-01") || !strings.Contains(got.Text, "no flow while open") {
		t.Fatalf("unexpected payload text %q", got.Text)
	}
}

func TestSlackNotifier_RateLimitDropsExcess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// 1 per minute, burst 1: only the first of a rapid burst goes out.
	n := NewSlackNotifier(srv.URL, "pi-01", 1, 1)
	for i := 0; i < 5; i++ {
		if err := n.Notify(context.Background(), "hardware fault", "flap"); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 delivery under rate limit, got %d", calls.Load())
	}
}

func TestSlackNotifier_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "pi-01", 60, 1)
	if err := n.Notify(context.Background(), "t", "d"); err == nil {
		t.Fatal("expected error on non-2xx webhook response")
	}
}

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier("pi-01", 60, 1)
	if err := n.Notify(context.Background(), "t", "d"); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
