package types

// Query validation limits.
const (
	MaxSearchLength  = 128
	MaxLimitParam    = 500
	MaxCodeLength    = 64
	DefaultListLimit = 100
)

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Sources a response can come from.
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// ErrorResponse is the body returned for any failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// HealthResponse reports service and pool health.
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	UptimeSec int64         `json:"uptimeSec"`
	Pool      PoolSnapshot  `json:"pool"`
	Cache     CacheSnapshot `json:"cache"`
}

// PoolSnapshot is a point-in-time view of the browser pool.
type PoolSnapshot struct {
	Capacity int    `json:"capacity"`
	Live     int    `json:"live"`
	InUse    int    `json:"inUse"`
	Acquired uint64 `json:"acquired"`
	Released uint64 `json:"released"`
	Pruned   uint64 `json:"pruned"`
	Errors   uint64 `json:"errors"`
	Healthy  bool   `json:"healthy"`
}

// CacheSnapshot summarizes the on-disk cache.
type CacheSnapshot struct {
	Manufacturers int `json:"manufacturers"`
	Models        int `json:"models"`
	Manuals       int `json:"manuals"`
}

// ManufacturersResponse lists manufacturers.
type ManufacturersResponse struct {
	Status        string         `json:"status"`
	Count         int            `json:"count"`
	Source        string         `json:"source"`
	Manufacturers []Manufacturer `json:"manufacturers"`
}

// ModelsResponse lists models for one manufacturer.
type ModelsResponse struct {
	Status       string       `json:"status"`
	Manufacturer Manufacturer `json:"manufacturer"`
	Count        int          `json:"count"`
	Source       string       `json:"source"`
	Capped       bool         `json:"capped,omitempty"`
	Models       []Model      `json:"models"`
}

// ManualsResponse lists manuals for one model.
type ManualsResponse struct {
	Status       string       `json:"status"`
	Manufacturer Manufacturer `json:"manufacturer"`
	ModelCode    string       `json:"modelCode"`
	Count        int          `json:"count"`
	Source       string       `json:"source"`
	Manuals      []Manual     `json:"manuals"`
}
