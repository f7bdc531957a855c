package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/eventlog"
	"github.com/mistcool/unitcooler/metricsdb"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/pubsub"
)

// server is the actuator's local REST surface: the Web-UI proxies to it
// in single-node deployments, and operators can hit it directly.
type server struct {
	httpSrv *http.Server
}

func newServer(cfg *config.Config, events *eventlog.Store, metrics *metricsdb.Store,
	sub *pubsub.Subscriber, liveness time.Duration, p *pipeline) *server {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/log_view", events.HandleLogView)
	mux.HandleFunc("/api/event", events.HandleSSE)

	mux.HandleFunc("/api/watering", func(w http.ResponseWriter, r *http.Request) {
		days, err := metrics.Watering(r.Context(), 10)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(days)
	})

	mux.HandleFunc("/api/stat", func(w http.ResponseWriter, r *http.Request) {
		msg, have := sub.Latest()
		// While the detector holds a SAFE-requiring fault the applied
		// duty is disabled regardless of what the controller last sent,
		// so report FAULT rather than the stale commanded state.
		if p.detector.RequiresSafe() {
			msg.State = model.StateFault
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"have_message": have,
			"message":      msg,
			"fault_class":  p.detector.Class(),
			"flow":         p.sampler.Estimate(),
		})
	})

	mux.HandleFunc("/api/clear_fault", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cleared := p.clearFault()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"cleared": cleared})
	})

	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		last, have := sub.LastSeen()
		if !have || time.Since(last) > liveness {
			http.Error(w, "no recent control message", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	return &server{
		httpSrv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			IdleTimeout:  5 * time.Minute,
		},
	}
}

func (s *server) serve() {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("actuator: http server: %v", err)
	}
}

func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
}
