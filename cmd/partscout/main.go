// Package main provides the partscout service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/partscout/partscout/internal/browser"
	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/fetch"
	"github.com/partscout/partscout/internal/handlers"
	"github.com/partscout/partscout/internal/metrics"
	"github.com/partscout/partscout/internal/middleware"
	"github.com/partscout/partscout/internal/patterns"
	"github.com/partscout/partscout/pkg/version"
)

func main() {
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	printBanner()

	pm, err := patterns.NewManager(cfg.PatternsPath, cfg.PatternsHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load detection patterns")
	}
	defer pm.Close()

	store, err := cache.New(cfg.CacheDir, cfg.CacheTTL)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.CacheDir).Msg("Failed to open catalog cache")
	}

	pool := browser.NewPool(cfg)
	serializer := browser.NewSerializer(cfg.SerializeDelay, cfg.TrailingDelay)

	fetcher := fetch.New(cfg, pool, serializer, pm)
	handler := handlers.New(cfg, fetcher, store, pool)

	// Middleware runs outermost-first: recovery wraps everything, the
	// timeout bounds each request including rate limit rejections
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
	}

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, rateLimiter.Middleware)
	}
	chain = append(chain, middleware.Timeout(cfg.RenderTimeout+30*time.Second))

	finalHandler := middleware.Chain(chain...)(handler.Router())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RenderTimeout + 45*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Channel to signal shutdown to background tasks
	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Str("base_url", cfg.BaseURL).
			Str("strategy", cfg.FetchStrategy).
			Int("pool_capacity", cfg.BrowserPoolSize).
			Msg("partscout is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	if rateLimiter != nil {
		rateLimiter.Close()
	}
	fetcher.Close()
	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("Browser pool close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
                 _                    _
 _ __   __ _ _ _| |_ ___ __ ___ _   _| |_
| '_ \ / _' | '__| __/ __/ _' | | | | __|
| |_) | (_| | |  | |_\__ \ (_| | |_| | |_
| .__/ \__,_|_|   \__|___/\___/ \__,_|\__|
|_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting partscout")
}
