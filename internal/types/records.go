package types

import "strings"

// Fetch strategies. Auto starts direct and escalates to rendered when the
// direct attempt is blocked or comes back empty.
const (
	StrategyAuto     = "auto"
	StrategyDirect   = "direct"
	StrategyRendered = "rendered"
)

// ValidStrategy reports whether s names a known fetch strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyAuto, StrategyDirect, StrategyRendered:
		return true
	}
	return false
}

// Manufacturer is one equipment brand in the catalog.
type Manufacturer struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	URI        string `json:"uri"`
	ModelCount int    `json:"modelCount,omitempty"`
}

// Key returns the identity used for deduplication. Two manufacturer entries
// with the same URI slug are the same manufacturer.
func (m Manufacturer) Key() string {
	return strings.ToLower(m.URI)
}

// Model is one piece of equipment under a manufacturer.
type Model struct {
	Code string `json:"code"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Key returns the identity used for deduplication.
func (m Model) Key() string {
	return strings.ToLower(m.Code)
}

// ManualType classifies a manual document by the suffix convention in its
// filename.
type ManualType string

const (
	ManualServiceParts ManualType = "spm"
	ManualInstallOp    ManualType = "iom"
	ManualParts        ManualType = "pm"
	ManualWiring       ManualType = "wd"
	ManualService      ManualType = "sm"
	ManualQuickRef     ManualType = "qrg"
	ManualTroubleshoot ManualType = "ts"
	ManualUnknown      ManualType = "unknown"
)

// Manual is one downloadable document attached to a model.
type Manual struct {
	Type  ManualType `json:"type"`
	Title string     `json:"title"`
	Link  string     `json:"link"`
}

// Key returns the identity used for deduplication.
func (m Manual) Key() string {
	return strings.ToLower(m.Link)
}
