// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RunIDKey is the context key for the workflow run ID
	RunIDKey contextKey = "run_id"
	// EventIDKey is the context key for the calendar event ID
	EventIDKey contextKey = "event_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger with context values extracted.
// Supports run_id and event_id from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		newLogger = newLogger.WithRunID(runID)
	}

	if eventID, ok := ctx.Value(EventIDKey).(string); ok && eventID != "" {
		newLogger = &Logger{
			Logger: newLogger.With(slog.String("event_id", eventID)),
		}
	}

	return newLogger
}

// WithRunID returns a logger with the workflow run ID
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("run_id", runID)),
	}
}

// WithEventID returns a logger with the calendar event ID
func (l *Logger) WithEventID(eventID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("event_id", eventID)),
	}
}

// HITLEvent logs a human-in-the-loop lifecycle event
func (l *Logger) HITLEvent(stage, auditID, eventID, outcome string) {
	l.Info("hitl_event",
		slog.String("stage", stage),
		slog.String("audit_id", auditID),
		slog.String("event_id", eventID),
		slog.String("outcome", outcome),
	)
}

// CacheSkip logs an event skipped through a dedup cache
func (l *Logger) CacheSkip(cache, eventID, decision string) {
	l.Info("cache_skip",
		slog.String("cache", cache),
		slog.String("event_id", eventID),
		slog.String("decision", decision),
	)
}

// CRMDispatch logs a CRM dispatch attempt
func (l *Logger) CRMDispatch(eventID string, dispatched bool, err error) {
	if err != nil {
		l.Error("crm_dispatch",
			slog.String("event_id", eventID),
			slog.Bool("dispatched", dispatched),
			slog.String("error", err.Error()),
		)
		return
	}
	l.Info("crm_dispatch",
		slog.String("event_id", eventID),
		slog.Bool("dispatched", dispatched),
	)
}

// NotificationSent logs a notification dispatch outcome
func (l *Logger) NotificationSent(kind, recipient, auditID string, success bool, reason string) {
	if success {
		l.Info("notification_sent",
			slog.String("kind", kind),
			slog.String("recipient", recipient),
			slog.String("audit_id", auditID),
		)
	} else {
		l.Warn("notification_failed",
			slog.String("kind", kind),
			slog.String("recipient", recipient),
			slog.String("audit_id", auditID),
			slog.String("reason", reason),
		)
	}
}

// StoreError logs persisted-store errors
func (l *Logger) StoreError(store, operation string, err error) {
	l.Error("store_error",
		slog.String("store", store),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}
