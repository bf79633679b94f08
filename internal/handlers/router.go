package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/partscout/partscout/internal/metrics"
)

// Router builds the API route table. Path parameters use the stdlib
// ServeMux patterns, so anything not matching a registered pattern falls
// through to the not-found handler.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /api/manufacturers", instrument("manufacturers", h.HandleManufacturers))
	mux.Handle("GET /api/manufacturers/{id}/models", instrument("models", h.HandleModels))
	mux.Handle("GET /api/manufacturers/{id}/models/{model}/manuals", instrument("manuals", h.HandleManuals))
	mux.HandleFunc("/", h.HandleNotFound)

	return mux
}

// statusRecorder captures the response status for the per-endpoint metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.RecordRequest(endpoint, strconv.Itoa(rec.status), time.Since(start))
	})
}
