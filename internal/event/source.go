package event

import (
	"context"
	"sync"

	"dealflow_backend/internal/storage"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/logger"
)

// FileSource reads the events for a run from a JSON drop file. Calendar
// polling happens upstream; this side only consumes the exported batch.
type FileSource struct {
	path string
	log  *logger.Logger

	mu     sync.Mutex
	loaded bool
	events []CalendarEvent
}

func NewFileSource(path string, log *logger.Logger) *FileSource {
	return &FileSource{path: path, log: log}
}

// Events re-reads the drop file and returns the batch. The upstream exporter
// rewrites the file between polls, so every call loads fresh. A missing file
// is an empty batch, not an error; a corrupt file is.
func (s *FileSource) Events(_ context.Context) ([]CalendarEvent, error) {
	if err := s.load(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CalendarEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

// Get returns one event by id, for continuations that resume after a review.
// It serves from the last loaded batch so a resolved review still finds its
// event even when the exporter has since rotated the file.
func (s *FileSource) Get(_ context.Context, eventID string) (CalendarEvent, error) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		if err := s.load(); err != nil {
			return CalendarEvent{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == eventID {
			return e, nil
		}
	}
	return CalendarEvent{}, apperr.NotFound("event " + eventID + " not found in batch")
}

func (s *FileSource) load() error {
	var events []CalendarEvent
	found, err := storage.ReadJSON(s.path, &events)
	if err != nil {
		return apperr.CorruptState("event batch unreadable: "+s.path, err)
	}
	if !found {
		s.log.Warn("event batch file missing, run has no events", "path", s.path)
	}

	s.mu.Lock()
	s.events = events
	s.loaded = true
	s.mu.Unlock()
	return nil
}
