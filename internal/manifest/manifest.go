// Package manifest records per-run processing outcomes for operator review.
package manifest

import (
	"path/filepath"
	"sync"
	"time"

	"dealflow_backend/internal/engine"
	"dealflow_backend/internal/storage"
	"dealflow_backend/platform/logger"
)

// Manifest is the persisted shape of one run.
type Manifest struct {
	RunID      string               `json:"run_id"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	RuleHash   string               `json:"rule_hash,omitempty"`
	Results    []engine.EventResult `json:"results"`
}

// Writer accumulates event results for a run and persists them atomically.
// Continuation results (reviews resolved after the poll pass) are appended to
// the same manifest.
type Writer struct {
	path string
	log  *logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	manifest Manifest
}

func NewWriter(dir, runID, ruleHash string, log *logger.Logger) *Writer {
	w := &Writer{
		path: filepath.Join(dir, "manifest_"+runID+".json"),
		log:  log,
		now:  time.Now,
	}
	w.manifest = Manifest{RunID: runID, RuleHash: ruleHash, StartedAt: w.now()}
	return w
}

// Path returns the manifest file location.
func (w *Writer) Path() string { return w.path }

// Append records results and flushes the manifest.
func (w *Writer) Append(results ...engine.EventResult) error {
	w.mu.Lock()
	w.manifest.Results = append(w.manifest.Results, results...)
	w.mu.Unlock()
	return w.flush()
}

// Finalize stamps the finish time and writes the manifest one last time.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	now := w.now()
	w.manifest.FinishedAt = &now
	w.mu.Unlock()
	return w.flush()
}

// Snapshot returns a copy of the current manifest.
func (w *Writer) Snapshot() Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := w.manifest
	m.Results = append([]engine.EventResult(nil), w.manifest.Results...)
	return m
}

func (w *Writer) flush() error {
	w.mu.Lock()
	m := w.manifest
	m.Results = append([]engine.EventResult(nil), w.manifest.Results...)
	w.mu.Unlock()

	if err := storage.WriteJSON(w.path, m); err != nil {
		w.log.StoreError("manifest", "flush", err)
		return err
	}
	return nil
}

// Load reads a manifest back from disk.
func Load(path string) (Manifest, bool, error) {
	var m Manifest
	found, err := storage.ReadJSON(path, &m)
	return m, found, err
}
