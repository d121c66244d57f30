package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/sync", h.Sync)
	mux.HandleFunc("POST /v1/sweep", h.Sweep)
	mux.HandleFunc("POST /v1/messages/{id}/analyze", h.AnalyzeMessage)
	mux.HandleFunc("GET /v1/messages/errors", h.ListErrors)
	mux.HandleFunc("GET /v1/groups/{id}", h.GetGroup)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("mediasync"))
	})

	return LoggingMiddleware(h.logger, mux)
}
