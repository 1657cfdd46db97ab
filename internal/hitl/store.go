package hitl

import (
	"path/filepath"
	"sync"

	"dealflow_backend/internal/storage"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/logger"
)

// RequestStore persists HITL requests and their reminder schedule entries.
// All mutation goes through the lifecycle manager; other components only read.
type RequestStore interface {
	Get(auditID string) (Request, error)
	Put(req Request) error
	Pending() ([]Request, error)
	PendingForEvent(eventID string) (Request, bool, error)
	All() ([]Request, error)

	AppendSchedule(entries []ScheduleEntry) error
	ActiveSchedule() ([]ScheduleEntry, error)
	CancelSchedule(auditID string, kinds ...ScheduleEntryKind) error

	Flush() error
}

type requestsFile struct {
	Requests map[string]Request `json:"requests"`
}

type scheduleFile struct {
	Entries []ScheduleEntry `json:"entries"`
}

// FileStore is the JSON-file-backed RequestStore. One file holds the request
// records, a second the reminder schedule; both are written atomically.
type FileStore struct {
	requestsPath string
	schedulePath string
	log          *logger.Logger

	mu       sync.Mutex
	requests map[string]Request
	schedule []ScheduleEntry
	dirty    bool
}

// NewFileStore loads (or initializes) the store under dir. Corrupt files are
// logged and replaced with empty state on the next flush, never trusted
// half-read.
func NewFileStore(dir string, log *logger.Logger) *FileStore {
	s := &FileStore{
		requestsPath: filepath.Join(dir, "hitl_requests.json"),
		schedulePath: filepath.Join(dir, "hitl_schedule.json"),
		log:          log,
		requests:     make(map[string]Request),
	}

	var reqs requestsFile
	if found, err := storage.ReadJSON(s.requestsPath, &reqs); err != nil {
		log.StoreError("hitl_requests", "load", err)
		log.Warn("hitl request store unreadable, starting empty", "path", s.requestsPath)
	} else if found && reqs.Requests != nil {
		s.requests = reqs.Requests
	}

	var sched scheduleFile
	if found, err := storage.ReadJSON(s.schedulePath, &sched); err != nil {
		log.StoreError("hitl_schedule", "load", err)
		log.Warn("hitl schedule store unreadable, starting empty", "path", s.schedulePath)
	} else if found {
		s.schedule = sched.Entries
	}

	return s
}

// Get returns the request for an audit id.
func (s *FileStore) Get(auditID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[auditID]
	if !ok {
		return Request{}, apperr.NotFound("hitl request " + auditID + " not found")
	}
	return req, nil
}

// Put upserts a request and flushes it durably.
func (s *FileStore) Put(req Request) error {
	s.mu.Lock()
	s.requests[req.AuditID] = req
	s.dirty = true
	s.mu.Unlock()
	return s.Flush()
}

// Pending returns all unresolved requests.
func (s *FileStore) Pending() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []Request
	for _, req := range s.requests {
		if req.Status == StatusPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

// PendingForEvent returns the unresolved request for an event, if any.
func (s *FileStore) PendingForEvent(eventID string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.EventID == eventID && req.Status == StatusPending {
			return req, true, nil
		}
	}
	return Request{}, false, nil
}

// All returns every request on record.
func (s *FileStore) All() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Request, 0, len(s.requests))
	for _, req := range s.requests {
		all = append(all, req)
	}
	return all, nil
}

// AppendSchedule adds reminder schedule entries and flushes.
func (s *FileStore) AppendSchedule(entries []ScheduleEntry) error {
	s.mu.Lock()
	s.schedule = append(s.schedule, entries...)
	s.dirty = true
	s.mu.Unlock()
	return s.Flush()
}

// ActiveSchedule returns all not-yet-cancelled entries.
func (s *FileStore) ActiveSchedule() ([]ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []ScheduleEntry
	for _, e := range s.schedule {
		if !e.Cancelled {
			active = append(active, e)
		}
	}
	return active, nil
}

// CancelSchedule flags entries for an audit id as cancelled. With no kinds it
// flags every entry for the request; with kinds, only the matching ones.
// Entries are never removed.
func (s *FileStore) CancelSchedule(auditID string, kinds ...ScheduleEntryKind) error {
	s.mu.Lock()
	for i := range s.schedule {
		if s.schedule[i].AuditID != auditID || s.schedule[i].Cancelled {
			continue
		}
		if len(kinds) > 0 && !kindMatches(s.schedule[i].Kind, kinds) {
			continue
		}
		s.schedule[i].Cancelled = true
		s.dirty = true
	}
	s.mu.Unlock()
	return s.Flush()
}

func kindMatches(kind ScheduleEntryKind, kinds []ScheduleEntryKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Flush writes both files when there are unsaved changes.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	if err := storage.WriteJSON(s.requestsPath, requestsFile{Requests: s.requests}); err != nil {
		s.log.StoreError("hitl_requests", "flush", err)
		return err
	}
	if err := storage.WriteJSON(s.schedulePath, scheduleFile{Entries: s.schedule}); err != nil {
		s.log.StoreError("hitl_schedule", "flush", err)
		return err
	}
	s.dirty = false
	return nil
}
