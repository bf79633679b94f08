package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/types"
)

type fakeFetcher struct {
	manufacturers []types.Manufacturer
	models        map[string][]types.Model
	manuals       map[string][]types.Manual
	err           error
	calls         int
}

func (f *fakeFetcher) Manufacturers(_ context.Context, _ string) ([]types.Manufacturer, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return f.manufacturers, types.StrategyDirect, nil
}

func (f *fakeFetcher) Models(_ context.Context, uri, _ string) ([]types.Model, string, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, "", false, f.err
	}
	return f.models[uri], types.StrategyDirect, false, nil
}

func (f *fakeFetcher) Manuals(_ context.Context, uri, model, _ string) ([]types.Manual, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return f.manuals[uri+"/"+model], types.StrategyDirect, nil
}

type fakePool struct{}

func (fakePool) Snapshot() types.PoolSnapshot {
	return types.PoolSnapshot{Capacity: 2, Healthy: true}
}

func catalogFixture() *fakeFetcher {
	return &fakeFetcher{
		manufacturers: []types.Manufacturer{
			{Code: "HEN", Name: "Henny Penny", URI: "henny-penny", ModelCount: 2},
			{Code: "VUL", Name: "Vulcan", URI: "vulcan", ModelCount: 1},
		},
		models: map[string][]types.Model{
			"henny-penny": {
				{Code: "pf500", Name: "PF500", URL: "/henny-penny/pf500/parts"},
				{Code: "ogs321", Name: "OGS321", URL: "/henny-penny/ogs321/parts"},
			},
		},
		manuals: map[string][]types.Manual{
			"henny-penny/pf500": {
				{Type: types.ManualServiceParts, Title: "Service & Parts Manual", Link: "/modelManual/HEN-PF500_spm.pdf"},
			},
		},
	}
}

func newTestHandler(t *testing.T, fetcher CatalogFetcher) *Handler {
	t.Helper()
	store, err := cache.New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	return New(config.Load(), fetcher, store, fakePool{})
}

func doRequest(t *testing.T, h *Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestIndex(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	rec := doRequest(t, h, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/api/manufacturers") {
		t.Errorf("index does not list endpoints: %s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	rec := doRequest(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d", rec.Code)
	}
	resp := decode[types.HealthResponse](t, rec)
	if resp.Status != types.StatusOK || !resp.Pool.Healthy {
		t.Errorf("health = %+v", resp)
	}
}

func TestManufacturersLiveThenCached(t *testing.T) {
	fetcher := catalogFixture()
	h := newTestHandler(t, fetcher)

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[types.ManufacturersResponse](t, rec)
	if resp.Count != 2 || resp.Source != types.SourceLive {
		t.Errorf("first call = %+v", resp)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/manufacturers")
	resp = decode[types.ManufacturersResponse](t, rec)
	if resp.Source != types.SourceCache {
		t.Errorf("second call source = %q, want cache", resp.Source)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", fetcher.calls)
	}
}

func TestManufacturersSearchAndLimit(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers?search=henny")
	resp := decode[types.ManufacturersResponse](t, rec)
	if resp.Count != 1 || resp.Manufacturers[0].URI != "henny-penny" {
		t.Errorf("search result = %+v", resp)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/manufacturers?limit=1")
	resp = decode[types.ManufacturersResponse](t, rec)
	if resp.Count != 1 {
		t.Errorf("limited count = %d", resp.Count)
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/manufacturers?limit=bogus"); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus limit status = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/manufacturers?strategy=psychic"); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus strategy status = %d", rec.Code)
	}
}

func TestModels(t *testing.T) {
	fetcher := catalogFixture()
	h := newTestHandler(t, fetcher)

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/henny-penny/models")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[types.ModelsResponse](t, rec)
	if resp.Count != 2 || resp.Manufacturer.Code != "HEN" || resp.Source != types.SourceLive {
		t.Errorf("models = %+v", resp)
	}

	// Second request must come from cache without another fetch
	calls := fetcher.calls
	rec = doRequest(t, h, http.MethodGet, "/api/manufacturers/henny-penny/models")
	resp = decode[types.ModelsResponse](t, rec)
	if resp.Source != types.SourceCache {
		t.Errorf("second call source = %q", resp.Source)
	}
	if fetcher.calls != calls {
		t.Errorf("fetcher called again on a cache hit")
	}
}

func TestModelsByManufacturerCode(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/HEN/models")
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup by code status = %d", rec.Code)
	}
}

func TestModelsUnknownManufacturer(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/acme/models")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[types.ErrorResponse](t, rec)
	if resp.Status != types.StatusError || resp.Reason != string(types.ReasonNotFound) {
		t.Errorf("error body = %+v", resp)
	}
}

func TestManuals(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/henny-penny/models/pf500/manuals")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[types.ManualsResponse](t, rec)
	if resp.Count != 1 || resp.Manuals[0].Type != types.ManualServiceParts {
		t.Errorf("manuals = %+v", resp)
	}
}

func TestManualsUnknownModelPerCachedListing(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	// Populate the cached model listing first
	doRequest(t, h, http.MethodGet, "/api/manufacturers/henny-penny/models")

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/henny-penny/models/nope99/manuals")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestManualsEmptyIsOK(t *testing.T) {
	fetcher := catalogFixture()
	fetcher.manuals = map[string][]types.Manual{}
	h := newTestHandler(t, fetcher)

	rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/henny-penny/models/pf500/manuals")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[types.ManualsResponse](t, rec)
	if resp.Count != 0 {
		t.Errorf("count = %d, want 0", resp.Count)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"pool exhausted", types.NewPoolAcquireError("no capacity", types.ErrPoolExhausted), http.StatusServiceUnavailable},
		{"pool timeout", types.ErrPoolTimeout, http.StatusServiceUnavailable},
		{"fetch timeout", types.NewTimeoutError("http://x", types.StrategyRendered), http.StatusGatewayTimeout},
		{"bot challenge", types.NewBotChallengeError("http://x"), http.StatusServiceUnavailable},
		{"not found", types.NewNotFoundError("http://x", types.StrategyDirect), http.StatusNotFound},
		{"malformed", types.NewMalformedContentError("http://x", types.StrategyDirect, "empty"), http.StatusInternalServerError},
		{"context deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeFetcher{err: c.err})
			rec := doRequest(t, h, http.MethodGet, "/api/manufacturers")
			if rec.Code != c.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, c.want, rec.Body.String())
			}
		})
	}
}

func TestPathValidation(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	long := strings.Repeat("a", types.MaxCodeLength+1)
	if rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/"+long+"/models"); rec.Code != http.StatusBadRequest {
		t.Errorf("overlong id status = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/manufacturers/he%20nny/models"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad charset id status = %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(t, catalogFixture())

	rec := doRequest(t, h, http.MethodGet, "/api/nonsense")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func BenchmarkManufacturersCached(b *testing.B) {
	store, err := cache.New(b.TempDir(), time.Hour)
	if err != nil {
		b.Fatalf("cache.New() error = %v", err)
	}
	h := New(config.Load(), catalogFixture(), store, fakePool{})
	router := h.Router()

	// Warm the cache
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/manufacturers", nil))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/manufacturers", nil))
	}
}
