package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/types"
)

// testConfig returns a configuration suitable for testing.
// Uses a small pool size and short timeouts.
func testConfig() *config.Config {
	return &config.Config{
		Headless:           true,
		BrowserPoolSize:    2,
		BrowserIdleTTL:     30 * time.Second,
		BrowserPoolTimeout: 10 * time.Second,
	}
}

// skipCI skips tests that require a browser in CI environments.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
}

func TestNewPool(t *testing.T) {
	cfg := testConfig()
	pool := NewPool(cfg)
	defer pool.Close()

	if pool.Capacity() != cfg.BrowserPoolSize {
		t.Errorf("Expected capacity %d, got %d", cfg.BrowserPoolSize, pool.Capacity())
	}

	// Browsers launch on demand, none before the first acquire
	if pool.Live() != 0 {
		t.Errorf("Expected 0 live browsers before first acquire, got %d", pool.Live())
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	pool := NewPool(cfg)
	defer pool.Close()

	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire browser: %v", err)
	}
	if h.Page() == nil {
		t.Fatal("Expected a page attached to the acquired handle")
	}

	if pool.Live() != 1 {
		t.Errorf("Expected 1 live browser after acquire, got %d", pool.Live())
	}

	pool.Release(h)

	// The browser stays live and idle for reuse
	if pool.Live() != 1 {
		t.Errorf("Expected 1 live browser after release, got %d", pool.Live())
	}

	snap := pool.Snapshot()
	if snap.InUse != 0 {
		t.Errorf("Expected 0 in use after release, got %d", snap.InUse)
	}
}

func TestPoolReuseAfterRelease(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	cfg.BrowserPoolSize = 1
	pool := NewPool(cfg)
	defer pool.Close()

	ctx := context.Background()

	h1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire browser: %v", err)
	}
	id1 := h1.ID()
	pool.Release(h1)

	h2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire browser again: %v", err)
	}
	defer pool.Release(h2)

	if h2.ID() != id1 {
		t.Errorf("Expected idle browser %s to be reused, got %s", id1, h2.ID())
	}
	if pool.Live() != 1 {
		t.Errorf("Expected 1 live browser, got %d", pool.Live())
	}
}

func TestPoolTimeout(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	cfg.BrowserPoolSize = 1
	cfg.BrowserPoolTimeout = 500 * time.Millisecond

	pool := NewPool(cfg)
	defer pool.Close()

	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire browser: %v", err)
	}
	defer pool.Release(h)

	// Second acquire must time out, not hang
	start := time.Now()
	_, err = pool.Acquire(ctx)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("Expected timeout error, got nil")
	}
	if !errors.Is(err, types.ErrPoolTimeout) {
		t.Errorf("Expected ErrPoolTimeout, got %v", err)
	}

	if elapsed < 400*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("Expected timeout around 500ms, got %v", elapsed)
	}
}

func TestPoolContextCancellation(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	cfg.BrowserPoolSize = 1
	cfg.BrowserPoolTimeout = 10 * time.Second

	pool := NewPool(cfg)
	defer pool.Close()

	h, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Failed to acquire browser: %v", err)
	}
	defer pool.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = pool.Acquire(ctx)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if !errors.Is(err, types.ErrContextCanceled) {
		t.Errorf("Expected ErrContextCanceled, got %v", err)
	}

	if elapsed > 2*time.Second {
		t.Errorf("Expected quick cancellation, got %v", elapsed)
	}
}

func TestPoolIdlePrune(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	cfg.BrowserPoolSize = 1
	cfg.BrowserIdleTTL = 5 * time.Second

	pool := NewPool(cfg)
	defer pool.Close()

	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire browser: %v", err)
	}
	pool.Release(h)

	// Backdate the idle timestamp past the TTL instead of sleeping
	pool.mu.Lock()
	pool.handles[0].lastUsed = time.Now().Add(-time.Minute)
	pool.mu.Unlock()

	h2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire after prune: %v", err)
	}
	defer pool.Release(h2)

	if h2.ID() == h.ID() {
		t.Error("Expected idle-expired browser to be pruned, got it back")
	}
	if pool.Snapshot().Pruned == 0 {
		t.Error("Expected pruned counter to be incremented")
	}
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	cfg.BrowserPoolSize = 3

	pool := NewPool(cfg)
	defer pool.Close()

	const numGoroutines = 10
	const iterations = 5

	var wg sync.WaitGroup
	errCh := make(chan error, numGoroutines*iterations)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < iterations; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)

				h, err := pool.Acquire(ctx)
				if err != nil {
					errCh <- err
					cancel()
					continue
				}

				// Simulate some work
				time.Sleep(50 * time.Millisecond)

				pool.Release(h)
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		t.Errorf("Got %d errors during concurrent test: %v", len(errs), errs[0])
	}

	snap := pool.Snapshot()
	if snap.Live > cfg.BrowserPoolSize {
		t.Errorf("Pool exceeded capacity: %d live, capacity %d", snap.Live, cfg.BrowserPoolSize)
	}
}

func TestPoolClose(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	pool := NewPool(cfg)

	if err := pool.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}

	// Subsequent acquire should fail
	_, err := pool.Acquire(context.Background())
	if !errors.Is(err, types.ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	// Close should be idempotent
	if err := pool.Close(); err != nil {
		t.Errorf("Second Close returned error: %v", err)
	}
}

func TestPoolStats(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	pool := NewPool(cfg)
	defer pool.Close()

	ctx := context.Background()

	snap := pool.Snapshot()
	if snap.Acquired != 0 || snap.Released != 0 {
		t.Errorf("Expected initial stats to be 0, got acquired=%d, released=%d",
			snap.Acquired, snap.Released)
	}

	h, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire browser: %v", err)
	}
	pool.Release(h)

	snap = pool.Snapshot()
	if snap.Acquired != 1 {
		t.Errorf("Expected acquired=1, got %d", snap.Acquired)
	}
	if snap.Released != 1 {
		t.Errorf("Expected released=1, got %d", snap.Released)
	}
}

func TestPoolReleaseNil(t *testing.T) {
	cfg := testConfig()
	pool := NewPool(cfg)
	defer pool.Close()

	// Should not panic
	pool.Release(nil)
}
