package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/partscout/partscout/internal/browser"
	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/extract"
	"github.com/partscout/partscout/internal/metrics"
	"github.com/partscout/partscout/internal/patterns"
	"github.com/partscout/partscout/internal/types"
)

// TabModels is the tab fragment that lands a manufacturer page on its model
// listing.
const TabModels = "mdptabmodels"

// memoryTTL bounds how long a direct-fetch failure keeps steering a
// manufacturer onto the rendered path.
const memoryTTL = 1 * time.Hour

// Target identifies one catalog page to fetch.
type Target struct {
	ManufacturerURI string
	ModelCode       string
	Tab             string
	Strategy        string // auto, direct or rendered; "" uses the configured default
}

// kind names the page class a target resolves to, for logs and metrics.
func (t Target) kind() string {
	switch {
	case t.ManufacturerURI == "":
		return "manufacturers"
	case t.ModelCode == "":
		return "models"
	default:
		return "manuals"
	}
}

// directFetcher is the plain-HTTP dependency of the Fetcher.
type directFetcher interface {
	fetch(ctx context.Context, url string) (int, []byte, error)
}

// pageResult is a fetched page plus how it was obtained.
type pageResult struct {
	html     string
	harvest  []harvested
	strategy string
}

// Fetcher retrieves catalog pages, trying the cheap direct path first and
// escalating to a rendered browser when the response is challenged, stubbed
// out or empty.
type Fetcher struct {
	cfg       *config.Config
	patterns  *patterns.Manager
	extractor *extract.Extractor
	direct    directFetcher
	renderer  pageRenderer
	memory    *strategyMemory
	group     singleflight.Group
}

// New creates a Fetcher wired to the browser pool and serializer.
func New(cfg *config.Config, pool *browser.Pool, ser *browser.Serializer, pm *patterns.Manager) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		patterns:  pm,
		extractor: extract.New(pm),
		direct:    newDirectClient(cfg.DirectTimeout),
		renderer:  newRenderer(pool, ser, pm, cfg.RenderTimeout, cfg.SettleWait),
		memory:    newStrategyMemory(memoryTTL),
	}
}

// Close releases fetcher resources. The pool is owned by the caller.
func (f *Fetcher) Close() {
	f.memory.Stop()
	if c, ok := f.direct.(*directClient); ok {
		c.close()
	}
}

// Manufacturers fetches the brand index and returns the extracted records
// along with the strategy that produced them. Concurrent callers share one
// fetch.
func (f *Fetcher) Manufacturers(ctx context.Context, strategy string) ([]types.Manufacturer, string, error) {
	type out struct {
		records  []types.Manufacturer
		strategy string
	}
	v, err, _ := f.group.Do("manufacturers", func() (any, error) {
		pr, err := f.fetchWithEscalation(ctx, Target{Strategy: strategy}, func(html string) int {
			return len(f.extractor.Manufacturers(html))
		})
		if err != nil {
			return nil, err
		}
		return &out{records: f.extractor.Manufacturers(pr.html), strategy: pr.strategy}, nil
	})
	if err != nil {
		return nil, "", err
	}
	o := v.(*out)
	return o.records, o.strategy, nil
}

// Models fetches the model listing for one manufacturer. The returned slice
// is capped; capped reports whether records were dropped.
func (f *Fetcher) Models(ctx context.Context, uri, strategy string) (records []types.Model, usedStrategy string, capped bool, err error) {
	type out struct {
		records  []types.Model
		strategy string
		capped   bool
	}
	v, err, _ := f.group.Do("models:"+strings.ToLower(uri), func() (any, error) {
		target := Target{ManufacturerURI: uri, Tab: TabModels, Strategy: strategy}
		pr, err := f.fetchWithEscalation(ctx, target, func(html string) int {
			return len(f.extractor.Models(html, uri))
		})
		if err != nil {
			return nil, err
		}

		models := f.extractor.Models(pr.html, uri)
		if len(models) == 0 && len(pr.harvest) > 0 {
			models = f.modelsFromHarvest(pr.harvest, uri)
			log.Debug().Int("count", len(models)).Str("manufacturer", uri).Msg("Using DOM harvest for models")
		}

		o := &out{records: models, strategy: pr.strategy}
		if limit := f.cfg.ModelCap; limit > 0 && len(o.records) > limit {
			o.records = o.records[:limit]
			o.capped = true
		}
		return o, nil
	})
	if err != nil {
		return nil, "", false, err
	}
	o := v.(*out)
	return o.records, o.strategy, o.capped, nil
}

// Manuals fetches the manual documents for one model.
func (f *Fetcher) Manuals(ctx context.Context, uri, model, strategy string) ([]types.Manual, string, error) {
	type out struct {
		records  []types.Manual
		strategy string
	}
	key := "manuals:" + strings.ToLower(uri) + ":" + strings.ToLower(model)
	v, err, _ := f.group.Do(key, func() (any, error) {
		target := Target{ManufacturerURI: uri, ModelCode: model, Strategy: strategy}
		pr, err := f.fetchWithEscalation(ctx, target, func(html string) int {
			return len(f.extractor.Manuals(html))
		})
		if err != nil {
			return nil, err
		}
		return &out{records: f.extractor.Manuals(pr.html), strategy: pr.strategy}, nil
	})
	if err != nil {
		return nil, "", err
	}
	o := v.(*out)
	return o.records, o.strategy, nil
}

// fetchWithEscalation fetches the target and, in auto mode, retries on the
// rendered path when the direct result extracts zero records. countRecords
// tells it how many records a given page body would yield.
func (f *Fetcher) fetchWithEscalation(ctx context.Context, t Target, countRecords func(string) int) (*pageResult, error) {
	pr, err := f.fetchPage(ctx, t)
	if err != nil {
		return nil, err
	}

	if pr.strategy == types.StrategyDirect && f.strategyFor(t) == types.StrategyAuto && countRecords(pr.html) == 0 {
		log.Info().
			Str("manufacturer", t.ManufacturerURI).
			Str("model", t.ModelCode).
			Msg("Direct fetch extracted nothing, escalating to rendered")
		metrics.RecordEscalation("empty_extraction")
		f.memory.MarkRendered(t.ManufacturerURI)

		return f.renderPage(ctx, t)
	}
	return pr, nil
}

// fetchPage resolves the effective strategy and fetches the target once,
// escalating direct verdicts that a browser can get past.
func (f *Fetcher) fetchPage(ctx context.Context, t Target) (*pageResult, error) {
	strategy := f.strategyFor(t)

	if strategy == types.StrategyRendered {
		return f.renderPage(ctx, t)
	}
	if strategy == types.StrategyAuto && f.memory.NeedsRender(t.ManufacturerURI) {
		log.Debug().Str("manufacturer", t.ManufacturerURI).Msg("Skipping direct per strategy memory")
		return f.renderPage(ctx, t)
	}

	url := f.pageURL(t)
	start := time.Now()
	status, body, err := f.direct.fetch(ctx, url)
	if err != nil {
		metrics.RecordFetch(t.kind(), types.StrategyDirect, "error", time.Since(start))
		if strategy == types.StrategyDirect {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				return nil, types.NewTimeoutError(url, types.StrategyDirect)
			}
			return nil, fmt.Errorf("direct fetch %s: %w", url, err)
		}
		log.Warn().Err(err).Str("url", url).Msg("Direct fetch failed, escalating to rendered")
		metrics.RecordEscalation("direct_error")
		f.memory.MarkRendered(t.ManufacturerURI)
		return f.renderPage(ctx, t)
	}

	verdict := Classify(status, string(body), f.patterns.Get())
	metrics.RecordFetch(t.kind(), types.StrategyDirect, verdict.String(), time.Since(start))
	log.Debug().
		Str("url", url).
		Int("status", status).
		Int("body_bytes", len(body)).
		Stringer("verdict", verdict).
		Msg("Direct fetch classified")

	switch verdict {
	case VerdictOK:
		return &pageResult{html: string(body), strategy: types.StrategyDirect}, nil
	case VerdictNotFound:
		return nil, types.NewNotFoundError(url, types.StrategyDirect)
	}

	// Challenge, denied or undersized
	if strategy == types.StrategyDirect {
		if verdict == VerdictUndersized {
			return nil, types.NewMalformedContentError(url, types.StrategyDirect, "body below content floor")
		}
		return nil, types.NewBotChallengeError(url)
	}

	log.Info().Str("url", url).Stringer("verdict", verdict).Msg("Escalating to rendered fetch")
	metrics.RecordEscalation(verdict.String())
	f.memory.MarkRendered(t.ManufacturerURI)
	return f.renderPage(ctx, t)
}

// renderPage fetches the target through the serialized browser path.
func (f *Fetcher) renderPage(ctx context.Context, t Target) (*pageResult, error) {
	url := f.renderURL(t)
	harvestModels := t.Tab == TabModels

	start := time.Now()
	res, err := f.renderer.render(ctx, url, harvestModels)
	if err != nil {
		metrics.RecordFetch(t.kind(), types.StrategyRendered, "error", time.Since(start))
		f.memory.Clear(t.ManufacturerURI)
		return nil, err
	}

	if Classify(200, res.HTML, f.patterns.Get()) == VerdictNotFound {
		metrics.RecordFetch(t.kind(), types.StrategyRendered, "not_found", time.Since(start))
		return nil, types.NewNotFoundError(url, types.StrategyRendered)
	}
	metrics.RecordFetch(t.kind(), types.StrategyRendered, "ok", time.Since(start))
	return &pageResult{html: res.HTML, harvest: res.Harvest, strategy: types.StrategyRendered}, nil
}

// strategyFor resolves the effective strategy for a target.
func (f *Fetcher) strategyFor(t Target) string {
	if types.ValidStrategy(t.Strategy) {
		return t.Strategy
	}
	return f.cfg.FetchStrategy
}

// pageURL builds the canonical page URL for a target.
func (f *Fetcher) pageURL(t Target) string {
	base := f.cfg.BaseURL
	switch {
	case t.ManufacturerURI == "":
		return base + "/parts"
	case t.ModelCode == "":
		return fmt.Sprintf("%s/%s/parts", base, t.ManufacturerURI)
	default:
		return fmt.Sprintf("%s/%s/%s/parts", base, t.ManufacturerURI, t.ModelCode)
	}
}

// renderURL builds the rendered navigation URL: a cache-busting query keeps
// the site's CDN from replaying a challenge page, and the tab fragment lands
// the page on the right listing.
func (f *Fetcher) renderURL(t Target) string {
	url := fmt.Sprintf("%s?v=%d&narrow=", f.pageURL(t), time.Now().UnixMilli())
	if t.Tab != "" {
		url += "#id=" + t.Tab
	}
	return url
}

// modelsFromHarvest maps DOM-harvested rows onto model records, filling
// missing codes from the row's link when possible.
func (f *Fetcher) modelsFromHarvest(rows []harvested, uri string) []types.Model {
	ps := f.patterns.Get()
	seen := make(map[string]struct{})
	var out []types.Model

rows:
	for _, row := range rows {
		code := row.Code
		if code == "" && row.Href != "" {
			code = modelCodeFromHref(row.Href, uri)
		}
		if code == "" {
			continue
		}
		name := row.Name
		if name == "" {
			name = code
		}
		for _, chrome := range ps.ChromeText {
			if strings.EqualFold(name, chrome) {
				continue rows
			}
		}
		m := types.Model{Code: code, Name: name, URL: row.Href}
		if _, dup := seen[m.Key()]; dup {
			continue
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}
	return out
}

// modelCodeFromHref pulls the model code out of a {uri}/{code}/parts link.
func modelCodeFromHref(href, uri string) string {
	href = strings.TrimPrefix(href, "/")
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	segs := strings.Split(strings.Trim(href, "/"), "/")
	if len(segs) == 3 && strings.EqualFold(segs[0], uri) && segs[2] == "parts" {
		return segs[1]
	}
	return ""
}
