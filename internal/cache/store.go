// Package cache persists fetched catalog records as JSON files on disk.
//
// Layout under the cache directory:
//
//	manufacturers.json
//	models/<manufacturer>.json
//	manuals/<manufacturer>_<model>.json
//
// Every file holds one envelope with the records, when they were fetched and
// which strategy produced them. Empty record sets are cached too: a page
// that legitimately lists nothing should not be re-fetched on every request.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partscout/partscout/internal/types"
)

const (
	manufacturersFile = "manufacturers.json"
	modelsDir         = "models"
	manualsDir        = "manuals"
)

// envelope is the on-disk shape of one cache entry.
type envelope struct {
	Identity  string          `json:"identity"`
	Records   json.RawMessage `json:"records"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Source    string          `json:"source"`
}

// EntryInfo describes one cache file for Walk.
type EntryInfo struct {
	Path      string
	Kind      string // manufacturers, models or manuals
	Identity  string
	Records   int
	FetchedAt time.Time
	Stale     bool
}

// Store is a TTL-aware JSON file cache. Writes go through a temp file and
// rename so readers never observe a partial entry.
type Store struct {
	dir string
	ttl time.Duration
	mu  sync.RWMutex
}

// New creates a Store rooted at dir, creating the directory tree as needed.
func New(dir string, ttl time.Duration) (*Store, error) {
	for _, sub := range []string{dir, filepath.Join(dir, modelsDir), filepath.Join(dir, manualsDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", sub, err)
		}
	}
	return &Store{dir: dir, ttl: ttl}, nil
}

// GetManufacturers returns the cached manufacturer list. ok is false on a
// miss or a stale entry; an empty cached list is a hit.
func (s *Store) GetManufacturers() (records []types.Manufacturer, ok bool) {
	if !s.read(filepath.Join(s.dir, manufacturersFile), &records) {
		return nil, false
	}
	if records == nil {
		records = []types.Manufacturer{}
	}
	return records, true
}

// PutManufacturers caches the manufacturer list.
func (s *Store) PutManufacturers(records []types.Manufacturer, source string) error {
	return s.write(filepath.Join(s.dir, manufacturersFile), "manufacturers", records, source)
}

// GetModels returns the cached model list for a manufacturer.
func (s *Store) GetModels(manufacturer string) (records []types.Model, ok bool) {
	if !s.read(s.modelsPath(manufacturer), &records) {
		return nil, false
	}
	if records == nil {
		records = []types.Model{}
	}
	return records, true
}

// PutModels caches the model list for a manufacturer.
func (s *Store) PutModels(manufacturer string, records []types.Model, source string) error {
	return s.write(s.modelsPath(manufacturer), sanitize(manufacturer), records, source)
}

// GetManuals returns the cached manual list for a model.
func (s *Store) GetManuals(manufacturer, model string) (records []types.Manual, ok bool) {
	if !s.read(s.manualsPath(manufacturer, model), &records) {
		return nil, false
	}
	if records == nil {
		records = []types.Manual{}
	}
	return records, true
}

// PutManuals caches the manual list for a model.
func (s *Store) PutManuals(manufacturer, model string, records []types.Manual, source string) error {
	identity := sanitize(manufacturer) + "_" + sanitize(model)
	return s.write(s.manualsPath(manufacturer, model), identity, records, source)
}

func (s *Store) modelsPath(manufacturer string) string {
	return filepath.Join(s.dir, modelsDir, sanitize(manufacturer)+".json")
}

func (s *Store) manualsPath(manufacturer, model string) string {
	return filepath.Join(s.dir, manualsDir, sanitize(manufacturer)+"_"+sanitize(model)+".json")
}

// read loads an entry into out and reports whether it was a fresh hit.
func (s *Store) read(path string, out any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, err := readEnvelope(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Unreadable cache entry ignored")
		}
		return false
	}
	if s.ttl > 0 && time.Since(env.FetchedAt) > s.ttl {
		return false
	}
	if err := json.Unmarshal(env.Records, out); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Malformed cache entry ignored")
		return false
	}
	return true
}

// write stores an entry atomically via temp file and rename.
func (s *Store) write(path, identity string, records any, source string) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	data, err := json.MarshalIndent(envelope{
		Identity:  identity,
		Records:   raw,
		FetchedAt: time.Now().UTC(),
		Source:    source,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish cache entry: %w", err)
	}
	return nil
}

// Walk visits every cache entry. Unreadable files are reported with zero
// records so pruning can still act on them.
func (s *Store) Walk(fn func(EntryInfo) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visit := func(path, kind string) error {
		info := EntryInfo{Path: path, Kind: kind}
		if env, err := readEnvelope(path); err == nil {
			info.Identity = env.Identity
			info.FetchedAt = env.FetchedAt
			info.Stale = s.ttl > 0 && time.Since(env.FetchedAt) > s.ttl
			var records []json.RawMessage
			if json.Unmarshal(env.Records, &records) == nil {
				info.Records = len(records)
			}
		}
		return fn(info)
	}

	if _, err := os.Stat(filepath.Join(s.dir, manufacturersFile)); err == nil {
		if err := visit(filepath.Join(s.dir, manufacturersFile), "manufacturers"); err != nil {
			return err
		}
	}
	for _, kind := range []string{modelsDir, manualsDir} {
		entries, err := os.ReadDir(filepath.Join(s.dir, kind))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			if err := visit(filepath.Join(s.dir, kind, e.Name()), kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes one cache entry by path.
func (s *Store) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only paths inside the cache directory may be deleted
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %s is outside the cache directory", path)
	}
	return os.Remove(path)
}

// PruneEmpty deletes every known-empty entry and returns how many were
// removed.
func (s *Store) PruneEmpty() (int, error) {
	var paths []string
	err := s.Walk(func(info EntryInfo) error {
		if info.Records == 0 {
			paths = append(paths, info.Path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range paths {
		if err := s.Delete(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to prune cache entry")
			continue
		}
		removed++
	}
	return removed, nil
}

// Snapshot counts cached entries per kind for health reporting.
func (s *Store) Snapshot() types.CacheSnapshot {
	var snap types.CacheSnapshot
	_ = s.Walk(func(info EntryInfo) error {
		switch info.Kind {
		case "manufacturers":
			snap.Manufacturers = info.Records
		case modelsDir:
			snap.Models++
		case manualsDir:
			snap.Manuals++
		}
		return nil
	})
	return snap
}

// sanitize maps an identity onto a safe filename component.
func sanitize(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func readEnvelope(path string) (*envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &env, nil
}
