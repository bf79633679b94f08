// Package browser provides pooled browser instances and the serializer that
// admits one browser operation at a time.
//
// Browsers are launched on demand up to a configured capacity and reused
// across requests. Idle browsers past their TTL are pruned on the next
// acquire, so a quiet service holds no Chromium processes.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/metrics"
	"github.com/partscout/partscout/internal/types"
)

// acquireRetryInterval is how long Acquire sleeps between passes when the
// pool is at capacity with every browser busy.
const acquireRetryInterval = 1 * time.Second

// Handle is one pooled browser plus the page attached to it for the current
// operation. A Handle belongs to exactly one caller between Acquire and
// Release; callers must not retain it afterwards.
type Handle struct {
	id        string
	browser   *rod.Browser
	page      *rod.Page
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	useCount  int64
}

// ID returns the short identifier used in logs.
func (h *Handle) ID() string { return h.id }

// Page returns the page attached at acquire time. It is fresh for every
// acquisition; state never leaks between operations.
func (h *Handle) Page() *rod.Page { return h.page }

// PoolStats provides statistics about pool usage.
type PoolStats struct {
	Acquired atomic.Uint64
	Released atomic.Uint64
	Pruned   atomic.Uint64
	Errors   atomic.Uint64
}

// Pool manages a small set of reusable browser instances.
//
// Unlike a pre-warmed pool, browsers here are launched lazily: the first
// acquire pays the launch cost, later acquires reuse a live browser with a
// fresh page. Disconnected or idle-expired browsers are pruned during
// acquire rather than by a background sweeper, which keeps the failure
// handling in one place.
//
// Lock ordering: mu is only held for bookkeeping. Launching, health probing
// and closing browsers always happen outside the lock.
type Pool struct {
	mu      sync.Mutex
	handles []*Handle
	pending int // launches in flight, counted toward capacity
	config  *config.Config
	closed  atomic.Bool
	nextID  atomic.Int64

	// Track close goroutines so Close can wait for them
	closeWg          sync.WaitGroup
	leakedGoroutines atomic.Int32

	stats PoolStats
}

// NewPool creates a browser pool. No browsers are launched until the first
// Acquire.
func NewPool(cfg *config.Config) *Pool {
	log.Info().
		Int("capacity", cfg.BrowserPoolSize).
		Dur("idle_ttl", cfg.BrowserIdleTTL).
		Bool("headless", cfg.Headless).
		Str("browser_path", cfg.BrowserPath).
		Msg("Browser pool ready")

	p := &Pool{
		config:  cfg,
		handles: make([]*Handle, 0, cfg.BrowserPoolSize),
	}
	p.publishGauges()
	return p
}

// publishGauges pushes the current pool shape to the metrics registry.
func (p *Pool) publishGauges() {
	p.mu.Lock()
	live := len(p.handles)
	idle := 0
	for _, h := range p.handles {
		if !h.inUse {
			idle++
		}
	}
	p.mu.Unlock()
	metrics.UpdatePoolMetrics(p.config.BrowserPoolSize, live, idle)
}

// Acquire obtains a browser handle with a fresh page attached.
// It retries in a bounded loop until a handle is available, the context is
// canceled, or the pool timeout elapses.
//
// The caller MUST call Release() when done with the handle.
// Use defer to ensure the handle is always released:
//
//	h, err := pool.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Release(h)
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	deadline := time.Now().Add(p.config.BrowserPoolTimeout)

	for attempt := 0; ; attempt++ {
		if p.closed.Load() {
			return nil, types.ErrPoolClosed
		}

		h, stale, reserve := p.claim()
		p.pruneStale(stale)

		switch {
		case h != nil:
			// Reusing a live browser: verify it before handing it out
			if !p.isHealthy(h.browser) {
				log.Warn().
					Str("browser", h.id).
					Int("attempt", attempt).
					Msg("Pooled browser failed health probe, pruning")
				p.stats.Errors.Add(1)
				p.discard(h)
				continue
			}
			if err := p.attachPage(h); err != nil {
				log.Warn().
					Err(err).
					Str("browser", h.id).
					Msg("Could not open page on pooled browser, pruning")
				p.stats.Errors.Add(1)
				p.discard(h)
				continue
			}
			p.stats.Acquired.Add(1)
			log.Debug().
				Str("browser", h.id).
				Int64("use_count", h.useCount).
				Msg("Browser acquired from pool")
			return h, nil

		case reserve:
			h, err := p.spawnHandle(ctx)
			if err != nil {
				p.stats.Errors.Add(1)
				log.Error().Err(err).Int("attempt", attempt).Msg("Failed to launch browser")
				// Fall through to the wait below; the slot was returned
			} else {
				if pageErr := p.attachPage(h); pageErr != nil {
					log.Warn().
						Err(pageErr).
						Str("browser", h.id).
						Msg("Could not open page on new browser, pruning")
					p.stats.Errors.Add(1)
					p.discard(h)
					continue
				}
				p.stats.Acquired.Add(1)
				log.Debug().Str("browser", h.id).Msg("Browser launched and acquired")
				return h, nil
			}
		}

		// Capacity reached with every browser busy (or a launch just
		// failed). Sleep and retry until the deadline.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.stats.Errors.Add(1)
			return nil, types.ErrPoolTimeout
		}
		wait := acquireRetryInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// claim runs one bookkeeping pass under the lock: idle-expired handles are
// removed from tracking and returned for closing, an idle handle is claimed
// if one exists, otherwise a launch slot is reserved when capacity allows.
func (p *Pool) claim() (h *Handle, stale []*Handle, reserve bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.handles[:0]
	for _, cand := range p.handles {
		if !cand.inUse && now.Sub(cand.lastUsed) > p.config.BrowserIdleTTL {
			stale = append(stale, cand)
			continue
		}
		kept = append(kept, cand)
		if h == nil && !cand.inUse {
			h = cand
		}
	}
	p.handles = kept

	if h != nil {
		h.inUse = true
		h.useCount++
		h.lastUsed = now
		return h, stale, false
	}

	if len(p.handles)+p.pending < p.config.BrowserPoolSize {
		p.pending++
		return nil, stale, true
	}

	return nil, stale, false
}

// spawnHandle launches a browser for a slot previously reserved by claim.
// The reservation is returned on failure.
func (p *Pool) spawnHandle(ctx context.Context) (*Handle, error) {
	release := func() {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	default:
	}

	id := fmt.Sprintf("b-%04x", p.nextID.Add(1))
	log.Debug().Str("browser", id).Msg("Launching browser instance")

	// Launchers are single-use, so each launch builds a fresh one
	l := p.createLauncher()
	url, err := l.Launch()
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		release()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	now := time.Now()
	h := &Handle{
		id:        id,
		browser:   browser,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
		useCount:  1,
	}

	p.mu.Lock()
	p.pending--
	if p.closed.Load() {
		p.mu.Unlock()
		p.closeBrowserWithTimeout(browser, 10*time.Second)
		return nil, types.ErrPoolClosed
	}
	p.handles = append(p.handles, h)
	p.mu.Unlock()

	metrics.BrowserPoolSpawned.Inc()
	p.publishGauges()
	log.Debug().Str("browser", id).Str("url", url).Msg("Browser launched")
	return h, nil
}

// attachPage opens a fresh page with stealth patches applied. Every
// acquisition gets its own page so no DOM or storage state carries over.
func (p *Pool) attachPage(h *Handle) error {
	page, err := stealth.Page(h.browser)
	if err != nil {
		return fmt.Errorf("failed to open stealth page: %w", err)
	}
	h.page = page
	return nil
}

// Release returns a handle to the pool. The attached page is closed
// best-effort; a failing page close never blocks the caller and never
// poisons the pool.
//
// It is safe to call Release on a nil handle.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	if h.page != nil {
		if err := h.page.Close(); err != nil {
			log.Debug().Err(err).Str("browser", h.id).Msg("Error closing page on release")
		}
		h.page = nil
	}

	p.stats.Released.Add(1)

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.closeBrowserWithTimeout(h.browser, 10*time.Second)
		return
	}
	h.inUse = false
	h.lastUsed = time.Now()
	p.mu.Unlock()

	p.publishGauges()
	log.Debug().
		Str("browser", h.id).
		Uint64("total_released", p.stats.Released.Load()).
		Msg("Browser released to pool")
}

// discard removes a handle from tracking and closes its browser in the
// background. Used when a claimed browser turns out to be unusable.
func (p *Pool) discard(h *Handle) {
	p.mu.Lock()
	for i, cand := range p.handles {
		if cand == h {
			last := len(p.handles) - 1
			if i != last {
				p.handles[i] = p.handles[last]
			}
			p.handles = p.handles[:last]
			break
		}
	}
	p.mu.Unlock()

	p.stats.Pruned.Add(1)
	metrics.BrowserPoolPruned.Inc()
	p.publishGauges()
	p.closeBrowserWithTimeout(h.browser, 10*time.Second)
}

// pruneStale closes idle-expired handles already removed from tracking.
func (p *Pool) pruneStale(stale []*Handle) {
	for _, h := range stale {
		log.Info().
			Str("browser", h.id).
			Dur("idle", time.Since(h.lastUsed)).
			Msg("Pruning idle browser")
		p.stats.Pruned.Add(1)
		metrics.BrowserPoolPruned.Inc()
		p.closeBrowserWithTimeout(h.browser, 10*time.Second)
	}
	if len(stale) > 0 {
		p.publishGauges()
	}
}

// isHealthy checks if a browser is responsive and usable by opening and
// navigating a throwaway page with a short deadline.
func (p *Pool) isHealthy(browser *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot create page")
		return false
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot navigate")
		return false
	}

	return true
}

// closeBrowserWithTimeout closes a browser without blocking the caller past
// the timeout. A close that overruns is tracked as a leaked goroutine.
func (p *Pool) closeBrowserWithTimeout(browser *rod.Browser, timeout time.Duration) bool {
	closeDone := make(chan struct{})
	closeStarted := time.Now()

	p.closeWg.Add(1)
	go func() {
		defer p.closeWg.Done()
		defer close(closeDone)
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser")
		}
	}()

	select {
	case <-closeDone:
		log.Debug().
			Dur("duration", time.Since(closeStarted)).
			Msg("Browser closed")
		return true
	case <-time.After(timeout):
		leaked := p.leakedGoroutines.Add(1)
		log.Warn().
			Dur("elapsed", time.Since(closeStarted)).
			Int32("leaked_count", leaked).
			Msg("Browser close timed out - goroutine leaked")
		p.stats.Errors.Add(1)
		return false
	}
}

// Capacity returns the configured maximum number of browsers.
func (p *Pool) Capacity() int {
	return p.config.BrowserPoolSize
}

// Live returns the number of launched browsers currently tracked.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Snapshot returns a point-in-time view of the pool for health reporting.
func (p *Pool) Snapshot() types.PoolSnapshot {
	p.mu.Lock()
	live := len(p.handles)
	inUse := 0
	for _, h := range p.handles {
		if h.inUse {
			inUse++
		}
	}
	p.mu.Unlock()

	return types.PoolSnapshot{
		Capacity: p.config.BrowserPoolSize,
		Live:     live,
		InUse:    inUse,
		Acquired: p.stats.Acquired.Load(),
		Released: p.stats.Released.Load(),
		Pruned:   p.stats.Pruned.Load(),
		Errors:   p.stats.Errors.Load(),
		Healthy:  !p.closed.Load(),
	}
}

// Close shuts down the pool and every browser in it.
// After Close is called, Acquire returns ErrPoolClosed.
//
// Close is safe to call multiple times.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	log.Info().Msg("Closing browser pool")

	p.mu.Lock()
	handles := make([]*Handle, len(p.handles))
	copy(handles, p.handles)
	p.handles = nil
	p.mu.Unlock()

	// Close browsers in parallel, bounded to avoid a shutdown stampede
	eg := new(errgroup.Group)
	eg.SetLimit(4)

	for _, h := range handles {
		browser := h.browser
		id := h.id
		eg.Go(func() error {
			if err := browser.Close(); err != nil {
				log.Warn().Err(err).Str("browser", id).Msg("Error closing browser during pool shutdown")
				return err
			}
			return nil
		})
	}
	closeErr := eg.Wait()

	// Wait for any stragglers from timed-out closes
	closeWgDone := make(chan struct{})
	go func() {
		p.closeWg.Wait()
		close(closeWgDone)
	}()
	select {
	case <-closeWgDone:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("Timeout waiting for browser close goroutines")
	}

	log.Info().
		Uint64("total_acquired", p.stats.Acquired.Load()).
		Uint64("total_released", p.stats.Released.Load()).
		Uint64("total_pruned", p.stats.Pruned.Load()).
		Uint64("total_errors", p.stats.Errors.Load()).
		Msg("Browser pool closed")

	return closeErr
}

// createLauncher creates a configured Rod launcher.
// The flag set keeps the browser looking like an ordinary desktop Chrome:
// automation-controlled blink features disabled, SwiftShader WebGL so the
// GPU fingerprint is populated, consistent language and window size.
func (p *Pool) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if p.config.BrowserPath != "" {
		l = l.Bin(p.config.BrowserPath)
	}

	if p.config.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default; turn it off explicitly when a
		// display (e.g. Xvfb) is available
		l = l.Headless(false)
	}

	// Container security flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Prevent WebRTC from revealing the host's real public IP
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// navigator.webdriver must stay undefined
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")

	// WebGL with SwiftShader: empty WebGL values are a detection signal
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	// Realistic browser behavior
	l = l.Set("accept-lang", "en-US,en;q=0.9")
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")
	l = l.Set("window-size", "1920,1080")

	// Performance and stability
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	l = l.Set("disable-gpu-sandbox")

	// Do NOT use --disable-gpu on ARM, it breaks SwiftShader WebGL
	if isARM() {
		l = l.Set("disable-gpu-compositing")
		log.Debug().Msg("ARM detected: using software rendering with SwiftShader for WebGL")
	}

	return l
}

// isARM returns true if running on ARM architecture.
func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
