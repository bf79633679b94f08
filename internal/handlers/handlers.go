// Package handlers provides the HTTP handlers for the catalog API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/metrics"
	"github.com/partscout/partscout/internal/types"
	"github.com/partscout/partscout/pkg/version"
)

// CatalogFetcher is the live-fetch dependency of the handlers.
type CatalogFetcher interface {
	Manufacturers(ctx context.Context, strategy string) ([]types.Manufacturer, string, error)
	Models(ctx context.Context, uri, strategy string) ([]types.Model, string, bool, error)
	Manuals(ctx context.Context, uri, model, strategy string) ([]types.Manual, string, error)
}

// PoolReporter exposes pool health for the health endpoint.
type PoolReporter interface {
	Snapshot() types.PoolSnapshot
}

// Handler serves the catalog API. Reads go cache-first; misses populate the
// cache through the fetcher.
type Handler struct {
	cfg     *config.Config
	fetcher CatalogFetcher
	store   *cache.Store
	pool    PoolReporter
	started time.Time
}

// New creates a Handler.
func New(cfg *config.Config, fetcher CatalogFetcher, store *cache.Store, pool PoolReporter) *Handler {
	return &Handler{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		pool:    pool,
		started: time.Now(),
	}
}

// HandleIndex lists the available endpoints.
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "partscout",
		"version": version.Full(),
		"endpoints": []string{
			"GET /health",
			"GET /api/manufacturers?search=&limit=",
			"GET /api/manufacturers/{id}/models",
			"GET /api/manufacturers/{id}/models/{model}/manuals",
		},
	})
}

// HandleHealth reports service, pool and cache health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    types.StatusOK,
		Version:   version.Full(),
		UptimeSec: int64(time.Since(h.started).Seconds()),
		Pool:      h.pool.Snapshot(),
		Cache:     h.store.Snapshot(),
	})
}

// HandleNotFound answers unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "Not found", "")
}

// HandleManufacturers serves GET /api/manufacturers.
func (h *Handler) HandleManufacturers(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	if len(search) > types.MaxSearchLength {
		h.writeError(w, http.StatusBadRequest, "search term too long", "")
		return
	}
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid limit", "")
		return
	}
	strategy, ok := parseStrategy(r.URL.Query().Get("strategy"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid strategy", "")
		return
	}

	records, source, err := h.manufacturers(r.Context(), strategy)
	if err != nil {
		h.writeFetchError(w, err)
		return
	}

	if search != "" {
		filtered := records[:0:0]
		for _, m := range records {
			if containsFold(m.Name, search) || containsFold(m.URI, search) {
				filtered = append(filtered, m)
			}
		}
		records = filtered
	}
	if len(records) > limit {
		records = records[:limit]
	}

	h.writeJSON(w, http.StatusOK, types.ManufacturersResponse{
		Status:        types.StatusOK,
		Count:         len(records),
		Source:        source,
		Manufacturers: records,
	})
}

// HandleModels serves GET /api/manufacturers/{id}/models.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	id, ok := pathCode(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid manufacturer id", "")
		return
	}
	strategy, ok := parseStrategy(r.URL.Query().Get("strategy"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid strategy", "")
		return
	}

	manufacturer, err := h.resolveManufacturer(r.Context(), id, strategy)
	if err != nil {
		h.writeFetchError(w, err)
		return
	}

	if records, ok := h.store.GetModels(manufacturer.URI); ok {
		metrics.RecordCacheRead("models", "hit")
		h.writeJSON(w, http.StatusOK, types.ModelsResponse{
			Status:       types.StatusOK,
			Manufacturer: manufacturer,
			Count:        len(records),
			Source:       types.SourceCache,
			Models:       records,
		})
		return
	}
	metrics.RecordCacheRead("models", "miss")

	records, _, capped, err := h.fetcher.Models(r.Context(), manufacturer.URI, strategy)
	if err != nil {
		h.writeFetchError(w, err)
		return
	}
	if err := h.store.PutModels(manufacturer.URI, records, types.SourceLive); err != nil {
		log.Warn().Err(err).Str("manufacturer", manufacturer.URI).Msg("Failed to cache models")
	}

	h.writeJSON(w, http.StatusOK, types.ModelsResponse{
		Status:       types.StatusOK,
		Manufacturer: manufacturer,
		Count:        len(records),
		Source:       types.SourceLive,
		Capped:       capped,
		Models:       records,
	})
}

// HandleManuals serves GET /api/manufacturers/{id}/models/{model}/manuals.
func (h *Handler) HandleManuals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathCode(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid manufacturer id", "")
		return
	}
	model, ok := pathCode(r, "model")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid model code", "")
		return
	}
	strategy, ok := parseStrategy(r.URL.Query().Get("strategy"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid strategy", "")
		return
	}

	manufacturer, err := h.resolveManufacturer(r.Context(), id, strategy)
	if err != nil {
		h.writeFetchError(w, err)
		return
	}

	// A cached model listing that lacks this model is authoritative
	if models, ok := h.store.GetModels(manufacturer.URI); ok {
		found := false
		for _, m := range models {
			if strings.EqualFold(m.Code, model) {
				found = true
				break
			}
		}
		if !found {
			h.writeFetchError(w, types.ErrUnknownModel)
			return
		}
	}

	if records, ok := h.store.GetManuals(manufacturer.URI, model); ok {
		metrics.RecordCacheRead("manuals", "hit")
		h.writeJSON(w, http.StatusOK, types.ManualsResponse{
			Status:       types.StatusOK,
			Manufacturer: manufacturer,
			ModelCode:    model,
			Count:        len(records),
			Source:       types.SourceCache,
			Manuals:      records,
		})
		return
	}

	metrics.RecordCacheRead("manuals", "miss")
	records, _, err := h.fetcher.Manuals(r.Context(), manufacturer.URI, model, strategy)
	if err != nil {
		h.writeFetchError(w, err)
		return
	}
	if err := h.store.PutManuals(manufacturer.URI, model, records, types.SourceLive); err != nil {
		log.Warn().Err(err).Str("manufacturer", manufacturer.URI).Str("model", model).Msg("Failed to cache manuals")
	}

	h.writeJSON(w, http.StatusOK, types.ManualsResponse{
		Status:       types.StatusOK,
		Manufacturer: manufacturer,
		ModelCode:    model,
		Count:        len(records),
		Source:       types.SourceLive,
		Manuals:      records,
	})
}

// manufacturers returns the manufacturer list, cache-first.
func (h *Handler) manufacturers(ctx context.Context, strategy string) ([]types.Manufacturer, string, error) {
	if records, ok := h.store.GetManufacturers(); ok {
		metrics.RecordCacheRead("manufacturers", "hit")
		return records, types.SourceCache, nil
	}
	metrics.RecordCacheRead("manufacturers", "miss")
	records, _, err := h.fetcher.Manufacturers(ctx, strategy)
	if err != nil {
		return nil, "", err
	}
	if err := h.store.PutManufacturers(records, types.SourceLive); err != nil {
		log.Warn().Err(err).Msg("Failed to cache manufacturers")
	}
	return records, types.SourceLive, nil
}

// resolveManufacturer looks up a manufacturer by URI or code.
func (h *Handler) resolveManufacturer(ctx context.Context, id, strategy string) (types.Manufacturer, error) {
	records, _, err := h.manufacturers(ctx, strategy)
	if err != nil {
		return types.Manufacturer{}, err
	}
	for _, m := range records {
		if strings.EqualFold(m.URI, id) || strings.EqualFold(m.Code, id) {
			return m, nil
		}
	}
	return types.Manufacturer{}, types.ErrUnknownManufacturer
}

// writeFetchError maps fetch failures onto HTTP status codes.
func (h *Handler) writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUnknownManufacturer):
		h.writeError(w, http.StatusNotFound, "Unknown manufacturer", string(types.ReasonNotFound))
		return
	case errors.Is(err, types.ErrUnknownModel):
		h.writeError(w, http.StatusNotFound, "Unknown model", string(types.ReasonNotFound))
		return
	case errors.Is(err, types.ErrPoolExhausted),
		errors.Is(err, types.ErrPoolTimeout),
		errors.Is(err, types.ErrPoolClosed):
		h.writeError(w, http.StatusServiceUnavailable, "Scraper is not ready, try again later", string(types.ReasonResourceExhausted))
		return
	}

	var fe *types.FetchError
	if errors.As(err, &fe) {
		switch fe.Reason {
		case types.ReasonNotFound:
			h.writeError(w, http.StatusNotFound, fe.Message, string(fe.Reason))
		case types.ReasonTimeout:
			h.writeError(w, http.StatusGatewayTimeout, fe.Message, string(fe.Reason))
		case types.ReasonBotChallenge:
			h.writeError(w, http.StatusServiceUnavailable, fe.Message, string(fe.Reason))
		default:
			h.writeError(w, http.StatusInternalServerError, fe.Message, string(fe.Reason))
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		h.writeError(w, http.StatusGatewayTimeout, "Upstream fetch timed out", string(types.ReasonTimeout))
		return
	}

	log.Error().Err(err).Msg("Request failed")
	h.writeError(w, http.StatusInternalServerError, "Internal error", "")
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message, reason string) {
	h.writeJSON(w, statusCode, types.ErrorResponse{
		Status:  types.StatusError,
		Message: message,
		Reason:  reason,
	})
}

// writeJSON buffers the body before writing so an encoding failure never
// produces a partial response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}

// parseLimit parses a limit query value, clamped to the allowed range.
func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return types.DefaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > types.MaxLimitParam {
		n = types.MaxLimitParam
	}
	return n, true
}

// parseStrategy validates an optional strategy override.
func parseStrategy(raw string) (string, bool) {
	if raw == "" {
		return "", true
	}
	if !types.ValidStrategy(raw) {
		return "", false
	}
	return raw, true
}

// pathCode extracts and validates a path identifier.
func pathCode(r *http.Request, name string) (string, bool) {
	v := r.PathValue(name)
	if v == "" || len(v) > types.MaxCodeLength {
		return "", false
	}
	for _, c := range v {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
		default:
			return "", false
		}
	}
	return v, true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
