// Package audit implements the append-only log of every human-review request
// and its resolution. Entries are never rewritten; the idempotency key for
// control flow is (audit_id, stage).
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealflow_backend/platform/logger"
	"dealflow_backend/platform/pii"
)

// Lifecycle stages recorded per audit id.
const (
	StageRequest    = "request"
	StageResponse   = "response"
	StageReminder   = "reminder"
	StageEscalation = "escalation"
	StageDuplicate  = "duplicate"
)

// Entry is one immutable audit record.
type Entry struct {
	AuditID     string            `json:"audit_id"`
	Timestamp   time.Time         `json:"timestamp"`
	EventID     string            `json:"event_id,omitempty"`
	RequestType string            `json:"request_type"`
	Stage       string            `json:"stage"`
	Responder   string            `json:"responder"`
	Outcome     string            `json:"outcome"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// Log is a JSONL audit log writer/reader. Appends are serialized by a mutex;
// the file is opened per append so external log shippers can rotate safely.
type Log struct {
	path     string
	log      *logger.Logger
	now      func() time.Time
	observer func(Entry)

	mu sync.Mutex
}

// NewLog creates an audit log at path, creating parent directories as needed.
func NewLog(path string, log *logger.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Log{path: path, log: log, now: time.Now}, nil
}

// SetObserver registers a callback invoked after every durable append, on the
// caller's goroutine. Used for the optional database mirror. Must be set
// before the first Record call.
func (l *Log) SetObserver(fn func(Entry)) {
	l.observer = fn
}

// Record appends an audit entry. Payload values are PII-masked before they
// are persisted. When auditID is empty a new token is allocated; the entry's
// audit id is returned either way.
func (l *Log) Record(eventID, requestType, stage, responder, outcome string, payload map[string]string, auditID string) (string, error) {
	if auditID == "" {
		auditID = uuid.NewString()
	}

	entry := Entry{
		AuditID:     auditID,
		Timestamp:   l.now(),
		EventID:     eventID,
		RequestType: requestType,
		Stage:       stage,
		Responder:   responder,
		Outcome:     outcome,
		Payload:     pii.MaskMap(payload),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return auditID, fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return auditID, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return auditID, fmt.Errorf("append audit entry: %w", err)
	}

	if l.observer != nil {
		l.observer(entry)
	}
	return auditID, nil
}

// Entries returns all readable entries in append order. Invalid lines are
// skipped with a warning; a missing file yields an empty slice.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.log.Warn("skipping invalid audit log line", "path", l.path, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

// EntriesFor returns all entries recorded under one audit id.
func (l *Log) EntriesFor(auditID string) ([]Entry, error) {
	all, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var matched []Entry
	for _, e := range all {
		if e.AuditID == auditID {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// HasResponse reports whether a response-stage entry exists for the audit id.
func (l *Log) HasResponse(auditID string) bool {
	if auditID == "" {
		return false
	}
	entries, err := l.Entries()
	if err != nil {
		l.log.StoreError("audit_log", "has_response", err)
		return false
	}
	for _, e := range entries {
		if e.AuditID == auditID && e.Stage == StageResponse {
			return true
		}
	}
	return false
}
