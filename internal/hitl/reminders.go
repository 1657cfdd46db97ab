package hitl

import (
	"context"
	"sync"
	"time"

	"dealflow_backend/internal/audit"
	"dealflow_backend/platform/logger"
)

// Notifier sends human-facing messages for a request. Implementations render
// templates and deliver over a channel (SMTP in production).
type Notifier interface {
	SendRequest(ctx context.Context, req Request) (rendered string, err error)
	SendReminder(ctx context.Context, req Request) error
	SendEscalation(ctx context.Context, req Request) error
	SendAdminReminder(ctx context.Context, req Request) error
}

// ReminderEngine arms one goroutine per active schedule entry. Timers are
// advisory: when a timer fires the engine re-reads the request and the entry
// from the store, so a decision applied in the meantime always wins.
type ReminderEngine struct {
	store          RequestStore
	auditLog       *audit.Log
	notifier       Notifier
	adminInterval  time.Duration
	resolveTimeout func(ctx context.Context, auditID string)
	log            *logger.Logger
	now            func() time.Time

	mu      sync.Mutex
	cancels map[string][]context.CancelFunc
	wg      sync.WaitGroup
}

func NewReminderEngine(store RequestStore, auditLog *audit.Log, notifier Notifier, adminInterval time.Duration, log *logger.Logger) *ReminderEngine {
	return &ReminderEngine{
		store:         store,
		auditLog:      auditLog,
		notifier:      notifier,
		adminInterval: adminInterval,
		log:           log,
		now:           time.Now,
		cancels:       make(map[string][]context.CancelFunc),
	}
}

// SetTimeoutHandler registers the callback invoked when a timeout entry
// fires for a still-pending request. Must be set before Arm or Resume.
func (e *ReminderEngine) SetTimeoutHandler(fn func(ctx context.Context, auditID string)) {
	e.resolveTimeout = fn
}

// Arm starts timers for the given entries. Entries whose fire time already
// passed fire immediately; cancelled entries are ignored.
func (e *ReminderEngine) Arm(ctx context.Context, entries []ScheduleEntry) {
	for _, entry := range entries {
		if entry.Cancelled {
			continue
		}
		e.armOne(ctx, entry)
	}
}

// Resume re-arms every active schedule entry from the store. Called once at
// startup so timers survive process restarts.
func (e *ReminderEngine) Resume(ctx context.Context) error {
	entries, err := e.store.ActiveSchedule()
	if err != nil {
		return err
	}
	e.Arm(ctx, entries)
	e.log.Info("reminder schedule resumed", "entries", len(entries))
	return nil
}

// CancelFor stops all pending timers for a request. The persisted entries
// are flagged by the caller via the store; this only tears down goroutines.
func (e *ReminderEngine) CancelFor(auditID string) {
	e.mu.Lock()
	cancels := e.cancels[auditID]
	delete(e.cancels, auditID)
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Drain waits for in-flight timer goroutines to finish. Call after the root
// context is cancelled to bound shutdown.
func (e *ReminderEngine) Drain() {
	e.wg.Wait()
}

func (e *ReminderEngine) armOne(ctx context.Context, entry ScheduleEntry) {
	timerCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancels[entry.AuditID] = append(e.cancels[entry.AuditID], cancel)
	e.mu.Unlock()

	delay := entry.FireAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timerCtx.Done():
			return
		case <-timer.C:
		}
		e.fire(timerCtx, entry)
	}()
}

// fire runs the fire-time re-check: the request must still be pending and
// the entry still active, otherwise the timer is a no-op.
func (e *ReminderEngine) fire(ctx context.Context, entry ScheduleEntry) {
	req, err := e.store.Get(entry.AuditID)
	if err != nil {
		e.log.Warn("schedule entry for unknown request", "audit_id", entry.AuditID, "kind", string(entry.Kind))
		return
	}
	if req.Status != StatusPending {
		e.log.Info("skipping timer for resolved request", "audit_id", entry.AuditID, "kind", string(entry.Kind), "status", string(req.Status))
		return
	}
	active, err := e.store.ActiveSchedule()
	if err != nil {
		e.log.Error("schedule read failed at fire time", "audit_id", entry.AuditID, "error", err)
		return
	}
	if !containsEntry(active, entry) {
		return
	}

	// Flag the entry before acting so a crash mid-send cannot re-fire it
	// forever; the admin reminder re-arms itself below.
	if err := e.store.CancelSchedule(entry.AuditID, entry.Kind); err != nil {
		e.log.Error("schedule flag failed", "audit_id", entry.AuditID, "error", err)
		return
	}

	switch entry.Kind {
	case EntryFirstReminder:
		e.sendReminder(ctx, req)
	case EntryEscalation:
		e.sendEscalation(ctx, req)
	case EntryAdminReminder:
		e.sendAdminReminder(ctx, req)
	case EntryTimeout:
		if e.resolveTimeout != nil {
			e.resolveTimeout(ctx, entry.AuditID)
		}
	}
}

func (e *ReminderEngine) sendReminder(ctx context.Context, req Request) {
	if err := e.notifier.SendReminder(ctx, req); err != nil {
		e.log.Error("reminder send failed", "audit_id", req.AuditID, "error", err)
		return
	}
	if _, err := e.auditLog.Record(req.EventID, string(req.Reason), audit.StageReminder, "", "first_reminder", nil, req.AuditID); err != nil {
		e.log.Error("reminder audit write failed", "audit_id", req.AuditID, "error", err)
	}
	req.RemindersSent++
	if err := e.store.Put(req); err != nil {
		e.log.Error("reminder bookkeeping failed", "audit_id", req.AuditID, "error", err)
	}
	e.log.HITLEvent("reminder_sent", req.AuditID, req.EventID, "")
}

func (e *ReminderEngine) sendEscalation(ctx context.Context, req Request) {
	if err := e.notifier.SendEscalation(ctx, req); err != nil {
		e.log.Error("escalation send failed", "audit_id", req.AuditID, "error", err)
		return
	}
	if _, err := e.auditLog.Record(req.EventID, string(req.Reason), audit.StageEscalation, "", "escalated_to_admin", nil, req.AuditID); err != nil {
		e.log.Error("escalation audit write failed", "audit_id", req.AuditID, "error", err)
	}
	req.Escalated = true
	if err := e.store.Put(req); err != nil {
		e.log.Error("escalation bookkeeping failed", "audit_id", req.AuditID, "error", err)
	}
	e.log.HITLEvent("escalated", req.AuditID, req.EventID, "")

	// After escalation the admin gets a recurring nudge until someone
	// resolves the request.
	if e.adminInterval > 0 {
		e.scheduleFollowup(ctx, req.AuditID, EntryAdminReminder, e.now().Add(e.adminInterval))
	}
}

func (e *ReminderEngine) sendAdminReminder(ctx context.Context, req Request) {
	if err := e.notifier.SendAdminReminder(ctx, req); err != nil {
		e.log.Error("admin reminder send failed", "audit_id", req.AuditID, "error", err)
	} else {
		if _, err := e.auditLog.Record(req.EventID, string(req.Reason), audit.StageReminder, "", "admin_reminder", nil, req.AuditID); err != nil {
			e.log.Error("admin reminder audit write failed", "audit_id", req.AuditID, "error", err)
		}
		req.RemindersSent++
		if err := e.store.Put(req); err != nil {
			e.log.Error("admin reminder bookkeeping failed", "audit_id", req.AuditID, "error", err)
		}
	}
	if e.adminInterval > 0 {
		e.scheduleFollowup(ctx, req.AuditID, EntryAdminReminder, e.now().Add(e.adminInterval))
	}
}

func (e *ReminderEngine) scheduleFollowup(ctx context.Context, auditID string, kind ScheduleEntryKind, fireAt time.Time) {
	entry := ScheduleEntry{AuditID: auditID, Kind: kind, FireAt: fireAt}
	if err := e.store.AppendSchedule([]ScheduleEntry{entry}); err != nil {
		e.log.Error("schedule append failed", "audit_id", auditID, "kind", string(kind), "error", err)
		return
	}
	e.armOne(ctx, entry)
}

func containsEntry(entries []ScheduleEntry, want ScheduleEntry) bool {
	for _, entry := range entries {
		if entry.AuditID == want.AuditID && entry.Kind == want.Kind && entry.FireAt.Equal(want.FireAt) {
			return true
		}
	}
	return false
}
