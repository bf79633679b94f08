// Package patterns provides page classification and extraction pattern
// loading and management.
package patterns

import (
	"embed"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsFS embed.FS

// ManualTypeRule maps a manual filename suffix to its type code and display
// title. Rules are checked in order; first match wins.
type ManualTypeRule struct {
	Suffix string `yaml:"suffix"`
	Code   string `yaml:"code"`
	Title  string `yaml:"title"`
}

// PatternSet contains all classification and extraction patterns.
type PatternSet struct {
	Challenge       []string         `yaml:"challenge"`
	AccessDenied    []string         `yaml:"access_denied"`
	NotFound        []string         `yaml:"not_found"`
	ChromeText      []string         `yaml:"chrome_text"`
	ModelSelectors  []string         `yaml:"model_selectors"`
	ManualTypes     []ManualTypeRule `yaml:"manual_types"`
	MinContentBytes int              `yaml:"min_content_bytes"`
}

var (
	instance *PatternSet
	once     sync.Once
	loadErr  error
)

// Get returns the singleton PatternSet loaded from the embedded
// patterns.yaml file.
func Get() *PatternSet {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load patterns, using defaults")
			instance = defaultPatterns()
		}
	})
	return instance
}

// load reads patterns from the embedded YAML file.
func load() (*PatternSet, error) {
	data, err := defaultPatternsFS.ReadFile("patterns.yaml")
	if err != nil {
		return nil, err
	}

	var p PatternSet
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	log.Debug().
		Int("challenge_patterns", len(p.Challenge)).
		Int("not_found_patterns", len(p.NotFound)).
		Int("manual_type_rules", len(p.ManualTypes)).
		Msg("Patterns loaded")

	return &p, nil
}

// defaultPatterns returns hardcoded fallback patterns. Only reached when the
// embedded file fails to parse, which would itself be a build defect.
func defaultPatterns() *PatternSet {
	return &PatternSet{
		Challenge: []string{
			"just a moment",
			"checking your browser",
			"verify you are human",
			"cf-browser-verification",
			"__cf_chl_opt",
			"captcha",
		},
		AccessDenied: []string{
			"access denied",
			"you have been blocked",
			"error 1015",
		},
		NotFound: []string{
			"page not found",
		},
		ChromeText: []string{"Parts", "Manuals", "Home", "Back"},
		ModelSelectors: []string{
			".model-item",
			".model-card",
			".product-tile",
			"[data-model]",
			"a[href*='/parts']",
		},
		ManualTypes: []ManualTypeRule{
			{Suffix: "_spm.", Code: "spm", Title: "Service & Parts Manual"},
			{Suffix: "_iom.", Code: "iom", Title: "Installation & Operation Manual"},
			{Suffix: "_pm.", Code: "pm", Title: "Parts Manual"},
			{Suffix: "_wd.", Code: "wd", Title: "Wiring Diagrams"},
			{Suffix: "_sm.", Code: "sm", Title: "Service Manual"},
			{Suffix: "_qrg.", Code: "qrg", Title: "Quick Reference Guide"},
			{Suffix: "_ts.", Code: "ts", Title: "Troubleshooting Guide"},
		},
		MinContentBytes: 2048,
	}
}
