package eventlog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HandleLogView serves the paged event-record read: GET ?offset&limit,
// newest first.
func (s *Store) HandleLogView(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	recs, err := s.Read(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// HandleSSE serves the live event stream: each new append is pushed as
// `data: log`, telling the UI to re-fetch. Idle connections are closed
// after 5 minutes.
func (s *Store) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsub := s.Subscribe()
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
		case _, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: log\n\n")
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
