package main

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"echofleet/server"
)

// newAdminMux serves fleet health and metrics. It reads whichever fleet
// is current, so it keeps working across config reloads.
func newAdminMux(current *atomic.Pointer[server.Fleet], metrics *server.Metrics) *http.ServeMux {
	mux := http.NewServeMux()

	// Health summary: listener states; 503 once no listener is live
	mux.HandleFunc("GET /__echofleet/health", func(w http.ResponseWriter, r *http.Request) {
		summary := current.Load().Health()

		status := http.StatusOK
		if summary.LiveListeners == 0 || summary.FailedListeners > 0 {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, "failed to encode health summary", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("GET /__echofleet/metrics", func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(&snap); err != nil {
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
		}
	})

	return mux
}
