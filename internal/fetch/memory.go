package fetch

import (
	"sync"
	"time"
)

// memoryEntry marks a manufacturer whose pages needed a rendered fetch.
type memoryEntry struct {
	expiresAt time.Time
}

// strategyMemory remembers per manufacturer that direct fetching came back
// empty or challenged, so later auto-mode requests skip straight to the
// rendered path. Entries expire after the TTL; a rendered failure clears
// the entry so direct gets retried.
type strategyMemory struct {
	store sync.Map // manufacturer uri (string) -> *memoryEntry
	ttl   time.Duration
	done  chan struct{}
	once  sync.Once
}

func newStrategyMemory(ttl time.Duration) *strategyMemory {
	m := &strategyMemory{
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// NeedsRender reports whether the manufacturer is marked for rendered
// fetching.
func (m *strategyMemory) NeedsRender(uri string) bool {
	val, ok := m.store.Load(uri)
	if !ok {
		return false
	}
	entry := val.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.store.Delete(uri)
		return false
	}
	return true
}

// MarkRendered records that direct fetching was insufficient for the
// manufacturer.
func (m *strategyMemory) MarkRendered(uri string) {
	if uri == "" {
		return
	}
	m.store.Store(uri, &memoryEntry{expiresAt: time.Now().Add(m.ttl)})
}

// Clear removes the mark, typically after the rendered path also failed.
func (m *strategyMemory) Clear(uri string) {
	m.store.Delete(uri)
}

// Stop terminates the background cleanup goroutine.
func (m *strategyMemory) Stop() {
	m.once.Do(func() { close(m.done) })
}

// cleanupLoop prunes expired entries every hour.
func (m *strategyMemory) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.store.Range(func(key, value any) bool {
				if now.After(value.(*memoryEntry).expiresAt) {
					m.store.Delete(key)
				}
				return true
			})
		}
	}
}
