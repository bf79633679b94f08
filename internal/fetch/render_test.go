package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/partscout/partscout/internal/browser"
	"github.com/partscout/partscout/internal/patterns"
)

// fakePool counts acquisitions and releases so tests can verify the renderer
// never holds on to a handle.
type fakePool struct {
	acquireErr error
	acquired   int
	released   int
	inUse      int
}

func (p *fakePool) Acquire(_ context.Context) (*browser.Handle, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	p.inUse++
	return &browser.Handle{}, nil
}

func (p *fakePool) Release(h *browser.Handle) {
	if h == nil {
		return
	}
	p.released++
	p.inUse--
}

func newTestRenderer(t *testing.T, pool handlePool) *renderer {
	t.Helper()
	pm, err := patterns.NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { pm.Close() })
	return newRenderer(pool, browser.NewSerializer(0, 0), pm, time.Second, 0)
}

func TestRenderReleasesHandleOnFailure(t *testing.T) {
	pool := &fakePool{}
	r := newTestRenderer(t, pool)

	navErr := errors.New("navigation blew up")
	r.navigate = func(context.Context, *rod.Page, string, bool) (*renderResult, error) {
		return nil, navErr
	}

	_, err := r.render(context.Background(), "https://parts.example.com/henny-penny/parts", false)
	if !errors.Is(err, navErr) {
		t.Fatalf("render() error = %v, want %v", err, navErr)
	}
	if pool.acquired != 1 || pool.released != 1 {
		t.Errorf("acquired = %d, released = %d, want 1 each", pool.acquired, pool.released)
	}
	if pool.inUse != 0 {
		t.Errorf("handle still held after failed render: inUse = %d", pool.inUse)
	}
}

func TestRenderReleasesHandleOnSuccess(t *testing.T) {
	pool := &fakePool{}
	r := newTestRenderer(t, pool)

	want := &renderResult{HTML: "<html></html>"}
	r.navigate = func(context.Context, *rod.Page, string, bool) (*renderResult, error) {
		return want, nil
	}

	got, err := r.render(context.Background(), "https://parts.example.com/henny-penny/parts", false)
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	if got != want {
		t.Errorf("render() = %+v, want %+v", got, want)
	}
	if pool.inUse != 0 {
		t.Errorf("handle still held after render: inUse = %d", pool.inUse)
	}
}

func TestRenderAcquireFailure(t *testing.T) {
	acquireErr := errors.New("pool exhausted")
	pool := &fakePool{acquireErr: acquireErr}
	r := newTestRenderer(t, pool)

	r.navigate = func(context.Context, *rod.Page, string, bool) (*renderResult, error) {
		t.Fatal("navigate called without an acquired handle")
		return nil, nil
	}

	_, err := r.render(context.Background(), "https://parts.example.com/henny-penny/parts", false)
	if !errors.Is(err, acquireErr) {
		t.Fatalf("render() error = %v, want %v", err, acquireErr)
	}
	if pool.released != 0 {
		t.Errorf("released = %d after a failed acquire", pool.released)
	}
}
