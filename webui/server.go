package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistcool/unitcooler/aggregator"
	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/pubsub"
	"github.com/mistcool/unitcooler/sensorquery"
)

type server struct {
	cfg      *config.Config
	sub      *pubsub.Subscriber
	querier  sensorquery.Querier
	agg      *aggregator.PostgresAggregator
	broker   *sseBroker
	liveness time.Duration
	started  time.Time

	statMu      sync.Mutex
	statWindow  *model.SensorWindow
	statFetched time.Time

	httpSrv *http.Server
}

func newServer(cfg *config.Config, sub *pubsub.Subscriber, querier sensorquery.Querier,
	agg *aggregator.PostgresAggregator, broker *sseBroker, hub *statusHub,
	liveness time.Duration, started time.Time) *server {

	s := &server{
		cfg:      cfg,
		sub:      sub,
		querier:  querier,
		agg:      agg,
		broker:   broker,
		liveness: liveness,
		started:  started,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stat", s.handleStat)
	mux.HandleFunc("/api/sysinfo", s.handleSysinfo)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/api/event", broker.handle)
	mux.HandleFunc("/api/ws", hub.handle)
	mux.Handle("/metrics", promhttp.Handler())

	if agg != nil {
		mux.HandleFunc("/api/watering", s.handleWateringAgg)
		mux.HandleFunc("/api/log_view", s.handleLogViewAgg)
		mux.HandleFunc("/api/push", s.handlePush)
	} else {
		// Single-actuator deployment: log and watering reads go straight
		// to the one actuator's own REST surface.
		target, err := url.Parse(cfg.Web.ActuatorURL)
		if err != nil {
			log.Printf("webui: bad actuator_url %q: %v", cfg.Web.ActuatorURL, err)
		} else {
			rp := httputil.NewSingleHostReverseProxy(target)
			mux.Handle("/api/watering", rp)
			mux.Handle("/api/log_view", rp)
			mux.Handle("/api/clear_fault", rp)
		}
	}

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 5 * time.Minute,
	}
	return s
}

func (s *server) serve() {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("webui: http server: %v", err)
	}
}

func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
}

// handleStat returns the latest mode/duty plus the most recent sensor
// samples. The TSDB read is cached briefly so a busy dashboard doesn't
// turn every poll into an InfluxDB query.
func (s *server) handleStat(w http.ResponseWriter, r *http.Request) {
	msg, have := s.sub.Latest()

	s.statMu.Lock()
	if s.statWindow == nil || time.Since(s.statFetched) > 10*time.Second {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		window, err := s.querier.Fetch(ctx)
		cancel()
		if err == nil {
			s.statWindow = window
			s.statFetched = time.Now()
		}
	}
	window := s.statWindow
	s.statMu.Unlock()

	var samples []model.Sample
	if window != nil && window.Valid {
		samples = window.History
		if n := s.cfg.Web.StatSamples; n > 0 && len(samples) > n {
			samples = samples[len(samples)-n:]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"have_message": have,
		"message":      msg,
		"samples":      samples,
	})
}

func (s *server) handleWateringAgg(w http.ResponseWriter, r *http.Request) {
	days, err := s.agg.Watering(r.Context(), 10, s.cfg.Storage.CostPerLiter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(days)
}

func (s *server) handleLogViewAgg(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset := atoiDefault(q.Get("offset"), 0)
	limit := atoiDefault(q.Get("limit"), 50)
	recs, err := s.agg.ReadEvents(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// handlePush ingests one actuator's rollup push and signals dashboards
// to re-fetch.
func (s *server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p aggregator.Push
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.NodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}
	if err := s.agg.Ingest(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(p.Events) > 0 {
		s.broker.publish("log")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSysinfo(w http.ResponseWriter, _ *http.Request) {
	load := "unknown"
	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(b))
		if len(fields) >= 3 {
			load = strings.Join(fields[:3], " ")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"build_date":     buildDate,
		"uptime_seconds": time.Since(s.started).Seconds(),
		"load_average":   load,
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	last, have := s.sub.LastSeen()
	if !have || time.Since(last) > s.liveness {
		http.Error(w, "no recent control message", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}
