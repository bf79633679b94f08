// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partscout/partscout/internal/types"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 8
	maxFetchTimeout    = 5 * time.Minute
	maxRateLimitRPM    = 10000 // Maximum requests per minute per IP
	maxModelCap        = 500
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Target site
	BaseURL string

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool settings
	BrowserPoolSize    int
	BrowserIdleTTL     time.Duration
	BrowserPoolTimeout time.Duration

	// Fetch settings
	FetchStrategy string        // auto, direct, or rendered
	DirectTimeout time.Duration // direct HTTP attempt budget
	RenderTimeout time.Duration // rendered navigation budget
	SettleWait    time.Duration // post-load wait for late-populating listings
	ModelCap      int           // max models returned per manufacturer listing

	// Serializer settings
	SerializeDelay time.Duration // pre-delay when other browser work is queued
	TrailingDelay  time.Duration // settle gap after each serialized operation

	// Cache settings
	CacheDir string
	CacheTTL time.Duration

	// Logging
	LogLevel string
	LogHTML  bool

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int      // Requests per minute per IP
	TrustProxy         bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	CORSAllowedOrigins []string // Allowed CORS origins (empty = allow all with warning)

	// Patterns settings
	PatternsPath      string // Path to external patterns.yaml override file
	PatternsHotReload bool   // Enable file watching for hot-reload of patterns
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8292),

		// Target site
		BaseURL: getEnvString("BASE_URL", "https://www.partstown.com"),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Pool - small by default, the serializer admits one operation at a time
		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 2),
		BrowserIdleTTL:     getEnvDuration("BROWSER_IDLE_TTL", 30*time.Second),
		BrowserPoolTimeout: getEnvDuration("BROWSER_POOL_TIMEOUT", 30*time.Second),

		// Fetch
		FetchStrategy: getEnvString("FETCH_STRATEGY", types.StrategyAuto),
		DirectTimeout: getEnvDuration("DIRECT_TIMEOUT", 10*time.Second),
		RenderTimeout: getEnvDuration("RENDER_TIMEOUT", 40*time.Second),
		SettleWait:    getEnvDuration("SETTLE_WAIT", 2*time.Second),
		ModelCap:      getEnvInt("MODEL_CAP", 50),

		// Serializer
		SerializeDelay: getEnvDuration("SERIALIZE_DELAY", 500*time.Millisecond),
		TrailingDelay:  getEnvDuration("TRAILING_DELAY", 100*time.Millisecond),

		// Cache
		CacheDir: getEnvString("CACHE_DIR", "./cache"),
		CacheTTL: getEnvDuration("CACHE_TTL", 24*time.Hour),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogHTML:  getEnvBool("LOG_HTML", false),

		// Metrics - disabled by default
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9292),

		// Security
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60), // 60 requests per minute per IP
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		// Patterns
		PatternsPath:      getEnvString("PATTERNS_PATH", ""),
		PatternsHotReload: getEnvBool("PATTERNS_HOT_RELOAD", false),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8292")
		c.Port = 8292
	}

	// Base URL validation
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		log.Warn().Str("url", c.BaseURL).Msg("BASE_URL must be http(s), using default")
		c.BaseURL = "https://www.partstown.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	// BrowserPath validation - prevent path traversal attacks
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	// Pool size validation with upper bound
	if c.BrowserPoolSize < 1 {
		log.Warn().Int("size", c.BrowserPoolSize).Msg("Invalid pool size, using default 2")
		c.BrowserPoolSize = 2
	} else if c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().
			Int("size", c.BrowserPoolSize).
			Int("max", maxBrowserPoolSize).
			Msg("Pool size too large, capping to maximum")
		c.BrowserPoolSize = maxBrowserPoolSize
	}

	// Idle TTL validation (minimum 5 seconds, maximum 10 minutes)
	const minIdleTTL = 5 * time.Second
	const maxIdleTTL = 10 * time.Minute
	if c.BrowserIdleTTL < minIdleTTL {
		log.Warn().
			Dur("ttl", c.BrowserIdleTTL).
			Dur("min", minIdleTTL).
			Msg("Browser idle TTL too short, using minimum")
		c.BrowserIdleTTL = minIdleTTL
	} else if c.BrowserIdleTTL > maxIdleTTL {
		log.Warn().
			Dur("ttl", c.BrowserIdleTTL).
			Dur("max", maxIdleTTL).
			Msg("Browser idle TTL too long, using maximum")
		c.BrowserIdleTTL = maxIdleTTL
	}

	// BrowserPoolTimeout validation (minimum 1 second, maximum 5 minutes)
	const minPoolTimeout = 1 * time.Second
	const maxPoolTimeout = 5 * time.Minute
	if c.BrowserPoolTimeout < minPoolTimeout {
		log.Warn().
			Dur("timeout", c.BrowserPoolTimeout).
			Dur("min", minPoolTimeout).
			Msg("Browser pool timeout too short, using minimum")
		c.BrowserPoolTimeout = minPoolTimeout
	} else if c.BrowserPoolTimeout > maxPoolTimeout {
		log.Warn().
			Dur("timeout", c.BrowserPoolTimeout).
			Dur("max", maxPoolTimeout).
			Msg("Browser pool timeout too long, using maximum")
		c.BrowserPoolTimeout = maxPoolTimeout
	}

	// Fetch strategy validation
	c.FetchStrategy = strings.ToLower(c.FetchStrategy)
	if !types.ValidStrategy(c.FetchStrategy) {
		log.Warn().Str("strategy", c.FetchStrategy).Msg("Invalid fetch strategy, using 'auto'")
		c.FetchStrategy = types.StrategyAuto
	}

	// Timeout validation: rendered budget must cover the direct budget,
	// otherwise escalation would have less time than the attempt it replaces
	if c.DirectTimeout < time.Second {
		log.Warn().Dur("timeout", c.DirectTimeout).Msg("Direct timeout too short, using 10s")
		c.DirectTimeout = 10 * time.Second
	}
	if c.DirectTimeout > maxFetchTimeout {
		log.Warn().
			Dur("timeout", c.DirectTimeout).
			Dur("max", maxFetchTimeout).
			Msg("Direct timeout too high, capping to maximum")
		c.DirectTimeout = maxFetchTimeout
	}
	if c.RenderTimeout < c.DirectTimeout {
		log.Warn().
			Dur("render", c.RenderTimeout).
			Dur("direct", c.DirectTimeout).
			Msg("Render timeout below direct timeout, raising to 40s")
		c.RenderTimeout = 40 * time.Second
	}
	if c.RenderTimeout > maxFetchTimeout {
		log.Warn().
			Dur("timeout", c.RenderTimeout).
			Dur("max", maxFetchTimeout).
			Msg("Render timeout too high, capping to maximum")
		c.RenderTimeout = maxFetchTimeout
	}

	// SettleWait validation (maximum 30 seconds; zero is allowed)
	const maxSettleWait = 30 * time.Second
	if c.SettleWait < 0 {
		log.Warn().Dur("wait", c.SettleWait).Msg("Settle wait cannot be negative, using 2s")
		c.SettleWait = 2 * time.Second
	} else if c.SettleWait > maxSettleWait {
		log.Warn().
			Dur("wait", c.SettleWait).
			Dur("max", maxSettleWait).
			Msg("Settle wait too long, using maximum")
		c.SettleWait = maxSettleWait
	}

	// Serializer delay validation (maximum 30 seconds each; zero is allowed)
	const maxSerializeDelay = 30 * time.Second
	if c.SerializeDelay < 0 || c.SerializeDelay > maxSerializeDelay {
		log.Warn().Dur("delay", c.SerializeDelay).Msg("Invalid serialize delay, using 500ms")
		c.SerializeDelay = 500 * time.Millisecond
	}
	if c.TrailingDelay < 0 || c.TrailingDelay > maxSerializeDelay {
		log.Warn().Dur("delay", c.TrailingDelay).Msg("Invalid trailing delay, using 100ms")
		c.TrailingDelay = 100 * time.Millisecond
	}

	// Model cap validation
	if c.ModelCap < 1 {
		log.Warn().Int("cap", c.ModelCap).Msg("Invalid model cap, using 50")
		c.ModelCap = 50
	} else if c.ModelCap > maxModelCap {
		log.Warn().
			Int("cap", c.ModelCap).
			Int("max", maxModelCap).
			Msg("Model cap too high, capping to maximum")
		c.ModelCap = maxModelCap
	}

	// Cache validation
	if c.CacheDir == "" {
		log.Warn().Msg("CACHE_DIR empty, using ./cache")
		c.CacheDir = "./cache"
	}
	const minCacheTTL = 1 * time.Minute
	if c.CacheTTL < minCacheTTL {
		log.Warn().
			Dur("ttl", c.CacheTTL).
			Dur("min", minCacheTTL).
			Msg("Cache TTL too short, using minimum")
		c.CacheTTL = minCacheTTL
	}

	// Rate limit validation with upper bound
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60 RPM")
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// Metrics port validation
	if c.PrometheusEnabled {
		if c.PrometheusPort < 1 || c.PrometheusPort > 65535 {
			log.Warn().Int("port", c.PrometheusPort).Msg("Invalid metrics port, using 9292")
			c.PrometheusPort = 9292
		}
		if c.PrometheusPort == c.Port {
			log.Error().
				Int("port", c.PrometheusPort).
				Msg("PROMETHEUS_PORT conflicts with PORT, disabling metrics listener")
			c.PrometheusEnabled = false
		}
	}

	// CORS security warning
	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins (potential CSRF risk)")
	}

	// Patterns path validation
	if c.PatternsPath != "" {
		if strings.Contains(c.PatternsPath, "..") {
			log.Error().
				Str("path", c.PatternsPath).
				Msg("PatternsPath contains path traversal sequence (..), ignoring")
			c.PatternsPath = ""
		} else if !strings.HasPrefix(c.PatternsPath, "/") && !strings.HasPrefix(c.PatternsPath, "C:") && !strings.HasPrefix(c.PatternsPath, "c:") {
			log.Warn().
				Str("path", c.PatternsPath).
				Msg("PatternsPath should be an absolute path")
		}
		// Warn if hot-reload is enabled but path doesn't exist
		if c.PatternsHotReload && c.PatternsPath != "" {
			if _, err := os.Stat(c.PatternsPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.PatternsPath).
					Msg("PatternsPath does not exist - hot-reload will watch for file creation")
			}
		}
	}

	// Warn if hot-reload is enabled but no path is set
	if c.PatternsHotReload && c.PatternsPath == "" {
		log.Warn().Msg("PATTERNS_HOT_RELOAD enabled but PATTERNS_PATH not set - hot-reload disabled")
		c.PatternsHotReload = false
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		// Use ParseInt with explicit bounds to catch overflow
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			// Reject negative durations, zero disables the delay
			if duration >= 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must not be negative, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Parse comma-separated values, trimming whitespace
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
