package cache

import (
	"sync"
	"time"

	"dealflow_backend/internal/event"
	"dealflow_backend/internal/storage"
	"dealflow_backend/platform/logger"
)

// ProcessedRecord marks one event version as already dispatched to the CRM.
type ProcessedRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

type processedFile struct {
	Entries map[string]ProcessedRecord `json:"entries"`
}

// ProcessedCache stores fingerprints of events whose payload has already been
// dispatched. An event is re-dispatched only when its current fingerprint
// differs from the stored one, which makes dispatch idempotent across
// repeated polls of an unchanged event.
type ProcessedCache struct {
	path string
	log  *logger.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]ProcessedRecord
	dirty   bool
}

// LoadProcessedCache reads the store from disk. A corrupt or missing file
// yields an empty cache; corruption is logged, never fatal.
func LoadProcessedCache(path string, log *logger.Logger) *ProcessedCache {
	c := &ProcessedCache{
		path:    path,
		log:     log,
		now:     time.Now,
		entries: make(map[string]ProcessedRecord),
	}

	var raw processedFile
	found, err := storage.ReadJSON(path, &raw)
	if err != nil {
		log.StoreError("processed_cache", "load", err)
		log.Warn("processed-event cache unreadable, starting empty", "path", path)
		return c
	}
	if !found || raw.Entries == nil {
		return c
	}

	for id, rec := range raw.Entries {
		if rec.Fingerprint == "" {
			continue
		}
		c.entries[id] = rec
	}
	return c
}

// IsProcessed reports whether the event's current payload was already
// dispatched. A changed payload forgets the stale record so the event is
// processed again.
func (c *ProcessedCache) IsProcessed(e event.CalendarEvent) bool {
	if e.ID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[e.ID]
	if !ok {
		return false
	}
	if rec.Fingerprint == event.Fingerprint(e) {
		return true
	}

	delete(c.entries, e.ID)
	c.dirty = true
	return false
}

// MarkProcessed records a successful dispatch of the event's current payload.
// Callers invoke this only after the CRM confirmed the dispatch; a failed
// dispatch must leave the event unmarked.
func (c *ProcessedCache) MarkProcessed(e event.CalendarEvent) {
	if e.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[e.ID] = ProcessedRecord{
		Fingerprint:  event.Fingerprint(e),
		DispatchedAt: c.now(),
	}
	c.dirty = true
}

// Flush writes the store to disk when it has unsaved changes.
func (c *ProcessedCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	if err := storage.WriteJSON(c.path, processedFile{Entries: c.entries}); err != nil {
		c.log.StoreError("processed_cache", "flush", err)
		return err
	}
	c.dirty = false
	return nil
}
