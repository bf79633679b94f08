package patterns

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about pattern reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager provides hot-reload capable pattern management.
// It maintains embedded default patterns and optionally watches an external
// file for runtime updates. Reads are lock-free using atomic.Value.
type Manager struct {
	embedded     *PatternSet  // Compiled-in defaults (immutable)
	current      atomic.Value // *PatternSet - atomic swap for lock-free reads
	externalPath string       // Path to external override file
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewManager creates a pattern Manager.
// If externalPath is empty, only embedded patterns are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}

	// Start with embedded patterns
	m.current.Store(m.embedded)

	if externalPath != "" {
		if err := m.loadExternal(); err != nil {
			// Keep running on embedded defaults
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to load external patterns, using embedded defaults")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Loaded external patterns file")
		}

		if hotReload {
			if err := m.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", externalPath).
					Msg("Failed to start file watcher, hot-reload disabled")
			} else {
				log.Info().
					Str("path", externalPath).
					Msg("Hot-reload enabled for patterns file")
			}
		}
	}

	return m, nil
}

// Get returns the current PatternSet.
// This is a lock-free O(1) operation safe for concurrent use.
func (m *Manager) Get() *PatternSet {
	return m.current.Load().(*PatternSet)
}

// Reload manually reloads patterns from the external file.
// On failure, the previous patterns remain in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external patterns path configured")
	}

	return m.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher and cleans up resources.
// Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// loadExternal loads patterns from the external file.
func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked loads patterns from the external file.
// Must be called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read patterns file: %w", err)
	}

	ps, err := parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse patterns file: %w", err)
	}

	// Merge with embedded patterns (external overrides, embedded fills gaps)
	merged := m.mergeWithEmbedded(ps)

	// Atomic swap
	m.current.Store(merged)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Patterns hot-reloaded successfully")

	return nil
}

// parseAndValidate parses YAML data and validates the pattern set.
func parseAndValidate(data []byte) (*PatternSet, error) {
	var p PatternSet
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks that the PatternSet has minimum required patterns.
func (p *PatternSet) Validate() error {
	// An override file with no recognizable section is almost certainly a
	// mistake, not an intentional reset
	if len(p.Challenge) == 0 && len(p.NotFound) == 0 &&
		len(p.ManualTypes) == 0 && len(p.ModelSelectors) == 0 {
		return fmt.Errorf("patterns must define at least one of challenge, not_found, manual_types, or model_selectors")
	}
	return nil
}

// mergeWithEmbedded creates a new PatternSet by merging external with
// embedded. External sections take precedence; embedded fills in missing
// sections.
func (m *Manager) mergeWithEmbedded(external *PatternSet) *PatternSet {
	merged := &PatternSet{}

	if len(external.Challenge) > 0 {
		merged.Challenge = external.Challenge
	} else {
		merged.Challenge = m.embedded.Challenge
	}

	if len(external.AccessDenied) > 0 {
		merged.AccessDenied = external.AccessDenied
	} else {
		merged.AccessDenied = m.embedded.AccessDenied
	}

	if len(external.NotFound) > 0 {
		merged.NotFound = external.NotFound
	} else {
		merged.NotFound = m.embedded.NotFound
	}

	if len(external.ChromeText) > 0 {
		merged.ChromeText = external.ChromeText
	} else {
		merged.ChromeText = m.embedded.ChromeText
	}

	if len(external.ModelSelectors) > 0 {
		merged.ModelSelectors = external.ModelSelectors
	} else {
		merged.ModelSelectors = m.embedded.ModelSelectors
	}

	if len(external.ManualTypes) > 0 {
		merged.ManualTypes = external.ManualTypes
	} else {
		merged.ManualTypes = m.embedded.ManualTypes
	}

	if external.MinContentBytes > 0 {
		merged.MinContentBytes = external.MinContentBytes
	} else {
		merged.MinContentBytes = m.embedded.MinContentBytes
	}

	return merged
}

// startWatcher starts the file watcher for hot-reload.
func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile watches for file changes and triggers reloads.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	// Debounce timer to coalesce rapid file changes
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			// Only reload on write or create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Patterns file changed")

			// Debounce: wait for rapid changes to settle
			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("path", m.externalPath).
							Msg("Hot-reload failed, keeping previous patterns")
					}
					debouncing = false
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// GetManager is a convenience function that returns a Manager using only
// embedded patterns (no external file, no hot-reload).
func GetManager() *Manager {
	m := &Manager{
		embedded: Get(),
		stopCh:   make(chan struct{}),
	}
	m.current.Store(m.embedded)
	return m
}
