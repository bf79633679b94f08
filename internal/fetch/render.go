package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/partscout/partscout/internal/browser"
	"github.com/partscout/partscout/internal/humanize"
	"github.com/partscout/partscout/internal/patterns"
	"github.com/partscout/partscout/internal/types"
)

// harvested is a record pulled straight out of the rendered DOM, before it
// is mapped onto a typed catalog record.
type harvested struct {
	Code string
	Name string
	Href string
}

// renderResult is what a rendered navigation produced.
type renderResult struct {
	HTML    string
	Harvest []harvested
}

// pageRenderer is the rendered-fetch dependency of the Fetcher. The real
// implementation drives a pooled browser; tests substitute a stub.
type pageRenderer interface {
	render(ctx context.Context, url string, harvestModels bool) (*renderResult, error)
}

// handlePool is the slice of the browser pool the renderer uses. Tests
// substitute a stub so release accounting can be exercised without a browser.
type handlePool interface {
	Acquire(ctx context.Context) (*browser.Handle, error)
	Release(h *browser.Handle)
}

// renderer performs serialized browser navigations against the pool.
type renderer struct {
	pool       handlePool
	serializer *browser.Serializer
	patterns   *patterns.Manager
	timeout    time.Duration
	settleWait time.Duration

	// navigate drives a single page load on an acquired handle. It defaults
	// to renderOnPage and is swapped out by tests.
	navigate func(ctx context.Context, page *rod.Page, url string, harvestModels bool) (*renderResult, error)
}

func newRenderer(pool handlePool, ser *browser.Serializer, pm *patterns.Manager, timeout, settleWait time.Duration) *renderer {
	r := &renderer{
		pool:       pool,
		serializer: ser,
		patterns:   pm,
		timeout:    timeout,
		settleWait: settleWait,
	}
	r.navigate = r.renderOnPage
	return r
}

// render navigates to url in a pooled browser and returns the settled page
// HTML. The whole operation runs under the serializer, so at most one
// browser navigation is in flight system-wide.
func (r *renderer) render(ctx context.Context, url string, harvestModels bool) (*renderResult, error) {
	var result *renderResult

	err := r.serializer.Do(ctx, "render "+url, func(ctx context.Context) error {
		handle, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Release(handle)

		renderCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		out, err := r.navigate(renderCtx, handle.Page(), url, harvestModels)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *renderer) renderOnPage(ctx context.Context, page *rod.Page, url string, harvestModels bool) (*renderResult, error) {
	start := time.Now()
	log.Info().Str("url", url).Msg("Rendered fetch starting")

	if err := browser.ApplyStealthToPage(page); err != nil {
		return nil, fmt.Errorf("stealth setup: %w", err)
	}
	if err := browser.SetViewport(page, 1920, 1080); err != nil {
		log.Warn().Err(err).Msg("Could not set viewport, continuing")
	}
	if cleanup, err := browser.BlockHeavyResources(ctx, page); err == nil {
		defer cleanup()
	}

	if err := page.Context(ctx).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("WaitLoad failed, continuing anyway")
	}

	// Listings populate after the load event fires
	if !humanize.SleepWithJitter(ctx, r.settleWait, 0.3) {
		return nil, types.NewTimeoutError(url, types.StrategyRendered)
	}

	html, err := r.awaitChallenge(ctx, page, url)
	if err != nil {
		return nil, err
	}

	result := &renderResult{HTML: html}
	if harvestModels {
		result.Harvest = r.harvestModels(page.Context(ctx))
	}

	log.Info().
		Str("url", url).
		Int("html_length", len(html)).
		Int("harvested", len(result.Harvest)).
		Dur("elapsed", time.Since(start)).
		Msg("Rendered fetch completed")
	return result, nil
}

// awaitChallenge polls the page until challenge markers disappear or the
// context expires, then returns the final HTML. A challenge still present at
// the deadline is a terminal bot-challenge failure.
func (r *renderer) awaitChallenge(ctx context.Context, page *rod.Page, url string) (string, error) {
	ps := r.patterns.Get()

	for attempt := 0; ; attempt++ {
		html, err := page.Context(ctx).HTML()
		if err != nil {
			if ctx.Err() != nil {
				return "", types.NewTimeoutError(url, types.StrategyRendered)
			}
			return "", fmt.Errorf("page html: %w", err)
		}

		marker := challengeMarker(html, ps)
		if marker == "" {
			return html, nil
		}

		log.Debug().
			Int("attempt", attempt+1).
			Str("marker", marker).
			Str("url", url).
			Msg("Challenge still present, waiting")

		if !humanize.SleepWithContext(ctx, humanize.RandomPollInterval()) {
			return "", types.NewBotChallengeError(url)
		}
	}
}

// challengeMarker returns the first challenge marker found in the HTML, or
// "" if the page looks settled.
func challengeMarker(html string, ps *patterns.PatternSet) string {
	if len(html) > maxBodyLenForScan {
		html = html[:maxBodyLenForScan]
	}
	lower := strings.ToLower(html)
	for _, marker := range ps.Challenge {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return marker
		}
	}
	if m := challengeTitleRe.FindString(lower); m != "" {
		return m
	}
	return ""
}

// harvestJS walks the given selectors in order and returns the records
// behind the first selector that matches anything.
const harvestJS = `(sels) => {
	for (const sel of sels) {
		let nodes;
		try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
		if (nodes.length === 0) continue;
		const out = [];
		for (const n of nodes) {
			out.push({
				code: n.dataset ? (n.dataset.modelCode || '') : '',
				name: (n.textContent || '').trim(),
				href: n.getAttribute ? (n.getAttribute('href') || '') : '',
			});
		}
		return out;
	}
	return [];
}`

// harvestModels evaluates the model selector list against the live DOM.
// This catches listings that scripts assemble without ever serializing the
// records into the HTML the extractor sees.
func (r *renderer) harvestModels(page *rod.Page) []harvested {
	selectors := r.patterns.Get().ModelSelectors
	if len(selectors) == 0 {
		return nil
	}

	obj, err := page.Eval(harvestJS, selectors)
	if err != nil {
		log.Debug().Err(err).Msg("DOM harvest eval failed")
		return nil
	}

	var out []harvested
	for _, item := range obj.Value.Arr() {
		h := harvested{
			Code: item.Get("code").Str(),
			Name: item.Get("name").Str(),
			Href: item.Get("href").Str(),
		}
		if h.Code == "" && h.Name == "" && h.Href == "" {
			continue
		}
		out = append(out, h)
	}
	return out
}
