// Package cache implements the two persisted dedup stores that make repeated
// runs over the same event stream safe: the negative-decision cache and the
// processed-event cache. Both are explicit injected stores backed by a single
// JSON file with atomic writes.
package cache

import (
	"sync"
	"time"

	"dealflow_backend/internal/event"
	"dealflow_backend/internal/storage"
	"dealflow_backend/platform/logger"
)

const (
	negativeCacheVersion = 1
	// Entries older than this are purged; the event gets re-evaluated.
	negativeMaxAge = 30 * 24 * time.Hour
)

// Skip decisions that may be replayed from the cache. Anything else is
// treated as unknown and re-evaluated.
const (
	DecisionNoTrigger        = "no_trigger"
	DecisionTriggerThreshold = "skipped_trigger_threshold"
)

// NegativeEntry is one cached negative decision.
type NegativeEntry struct {
	Fingerprint string    `json:"fingerprint"`
	RuleHash    string    `json:"rule_hash"`
	Decision    string    `json:"decision"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type negativeFile struct {
	Version int                      `json:"version"`
	Entries map[string]NegativeEntry `json:"entries"`
}

// NegativeCache stores prior "nothing to do" decisions keyed by event id so
// unchanged events skip full re-evaluation. A decision is only trusted while
// the rule hash it was made under still matches the loaded rule set.
type NegativeCache struct {
	path string
	log  *logger.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]NegativeEntry
	dirty   bool
}

// LoadNegativeCache reads the store from disk. A corrupt or missing file
// yields an empty cache; corruption is logged, never fatal.
func LoadNegativeCache(path string, log *logger.Logger) *NegativeCache {
	c := &NegativeCache{
		path:    path,
		log:     log,
		now:     time.Now,
		entries: make(map[string]NegativeEntry),
	}

	var raw negativeFile
	found, err := storage.ReadJSON(path, &raw)
	if err != nil {
		log.StoreError("negative_cache", "load", err)
		log.Warn("negative cache unreadable, starting empty", "path", path)
		return c
	}
	if !found || raw.Entries == nil {
		return c
	}

	cutoff := c.now().Add(-negativeMaxAge)
	for id, entry := range raw.Entries {
		if entry.Fingerprint == "" {
			continue
		}
		if entry.LastSeen.Before(cutoff) {
			c.dirty = true
			continue
		}
		c.entries[id] = entry
	}
	return c
}

// ShouldSkip returns the cached decision when the event can be skipped:
// same fingerprint, same rule hash, replayable decision, entry still fresh.
func (c *NegativeCache) ShouldSkip(e event.CalendarEvent, ruleHash string) (string, bool) {
	if e.ID == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[e.ID]
	if !ok {
		return "", false
	}
	if entry.RuleHash != ruleHash {
		return "", false
	}
	if entry.Fingerprint != event.Fingerprint(e) {
		return "", false
	}
	if entry.Decision != DecisionNoTrigger && entry.Decision != DecisionTriggerThreshold {
		return "", false
	}

	now := c.now()
	if entry.LastSeen.Before(now.Add(-negativeMaxAge)) {
		delete(c.entries, e.ID)
		c.dirty = true
		return "", false
	}

	entry.LastSeen = now
	c.entries[e.ID] = entry
	c.dirty = true
	return entry.Decision, true
}

// Record stores a negative decision for the event under the given rule hash.
// An existing entry is overwritten; first_seen is preserved.
func (c *NegativeCache) Record(e event.CalendarEvent, ruleHash, decision string) {
	if e.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	firstSeen := now
	if prev, ok := c.entries[e.ID]; ok && !prev.FirstSeen.IsZero() {
		firstSeen = prev.FirstSeen
	}

	c.entries[e.ID] = NegativeEntry{
		Fingerprint: event.Fingerprint(e),
		RuleHash:    ruleHash,
		Decision:    decision,
		FirstSeen:   firstSeen,
		LastSeen:    now,
		UpdatedAt:   now,
	}
	c.dirty = true
}

// Forget drops the entry for an event that now has a trigger.
func (c *NegativeCache) Forget(eventID string) {
	if eventID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[eventID]; ok {
		delete(c.entries, eventID)
		c.dirty = true
	}
}

// Flush writes the store to disk when it has unsaved changes.
func (c *NegativeCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	payload := negativeFile{Version: negativeCacheVersion, Entries: c.entries}
	if err := storage.WriteJSON(c.path, payload); err != nil {
		c.log.StoreError("negative_cache", "flush", err)
		return err
	}
	c.dirty = false
	return nil
}
