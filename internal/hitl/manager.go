package hitl

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dealflow_backend/internal/audit"
	"dealflow_backend/internal/businesstime"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/logger"
)

// Manager drives the request lifecycle: create, notify, schedule reminders,
// apply decisions exactly once, and resume after restarts. It is the only
// writer of request state.
type Manager struct {
	store          RequestStore
	auditLog       *audit.Log
	notifier       Notifier
	policy         businesstime.Policy
	engine         *ReminderEngine
	pendingTimeout time.Duration
	log            *logger.Logger
	now            func() time.Time

	onTimeout func(ctx context.Context, req Request, outcome Outcome)
}

func NewManager(store RequestStore, auditLog *audit.Log, notifier Notifier, policy businesstime.Policy, engine *ReminderEngine, pendingTimeout time.Duration, log *logger.Logger) *Manager {
	m := &Manager{
		store:          store,
		auditLog:       auditLog,
		notifier:       notifier,
		policy:         policy,
		engine:         engine,
		pendingTimeout: pendingTimeout,
		log:            log,
		now:            time.Now,
	}
	if engine != nil {
		engine.SetTimeoutHandler(m.resolveTimeout)
	}
	return m
}

// CreateRequest registers a new review request, writes the audit request
// entry, dispatches the notification, and arms the reminder cadence. The
// audit id is allocated here when the caller did not supply one.
func (m *Manager) CreateRequest(ctx context.Context, req Request) (Request, error) {
	if req.AuditID == "" {
		req.AuditID = uuid.NewString()
	}
	req.Status = StatusPending
	req.CreatedAt = m.now()

	payload := map[string]string{
		"reason":       string(req.Reason),
		"contact":      req.Contact,
		"subject":      req.Subject,
		"trigger_type": req.Context.TriggerType,
	}
	if _, err := m.auditLog.Record(req.EventID, string(req.Reason), audit.StageRequest, "", "requested", payload, req.AuditID); err != nil {
		return Request{}, err
	}

	if m.notifier == nil {
		// No outbound channel configured: the request cannot reach a
		// human, so it resolves as skipped instead of hanging forever.
		req.Status = StatusSkipped
		now := m.now()
		req.ResolvedAt = &now
		if err := m.store.Put(req); err != nil {
			return Request{}, err
		}
		m.log.HITLEvent("request_skipped", req.AuditID, req.EventID, "no notification channel")
		return req, apperr.BackendUnavailable("no notification channel configured")
	}

	rendered, sendErr := m.notifier.SendRequest(ctx, req)
	switch {
	case sendErr == nil:
		req.RenderedMessage = rendered
		m.log.NotificationSent("request", req.Contact, req.AuditID, true, "")
	case apperr.Is(sendErr, apperr.KindBackendUnavailable):
		// No recipient can be resolved at all: the request cannot reach a
		// human, so it resolves as skipped instead of hanging forever.
		req.Status = StatusSkipped
		now := m.now()
		req.ResolvedAt = &now
		if err := m.store.Put(req); err != nil {
			return Request{}, err
		}
		m.log.HITLEvent("request_skipped", req.AuditID, req.EventID, "no recipient for notification")
		return req, sendErr
	default:
		// The send failed but the request stands; the reminder cadence
		// re-surfaces it until a human answers or the timeout fires.
		m.log.NotificationSent("request", req.Contact, req.AuditID, false, sendErr.Error())
	}

	if req.Contact == "" {
		// Broadcast-only channels (no direct contact) get the request
		// but nobody owns the reply, so reminders would only nag.
		if err := m.store.Put(req); err != nil {
			return Request{}, err
		}
		m.log.Warn("request created without contact, reminders omitted", "audit_id", req.AuditID, "event_id", req.EventID)
		return req, nil
	}

	schedule := m.policy.Compute(req.CreatedAt)
	req.Context.Schedule = &schedule
	if err := m.store.Put(req); err != nil {
		return Request{}, err
	}
	if err := m.armSchedule(ctx, req.AuditID, schedule, req.CreatedAt); err != nil {
		return Request{}, err
	}

	m.log.HITLEvent("request_created", req.AuditID, req.EventID, string(req.Reason))
	return req, nil
}

func (m *Manager) armSchedule(ctx context.Context, auditID string, schedule businesstime.Schedule, createdAt time.Time) error {
	entries := []ScheduleEntry{
		{AuditID: auditID, Kind: EntryFirstReminder, FireAt: schedule.FirstReminder},
		{AuditID: auditID, Kind: EntryEscalation, FireAt: schedule.Escalation},
	}
	if m.pendingTimeout > 0 {
		entries = append(entries, ScheduleEntry{
			AuditID: auditID,
			Kind:    EntryTimeout,
			FireAt:  createdAt.Add(m.pendingTimeout),
		})
	}
	if err := m.store.AppendSchedule(entries); err != nil {
		return err
	}
	if m.engine != nil {
		m.engine.Arm(ctx, entries)
	}
	return nil
}

// ApplyDecision resolves a pending request. It is idempotent: a second
// decision for the same request records an audit duplicate entry and returns
// the original outcome with applied=false, so callers skip the continuation.
func (m *Manager) ApplyDecision(ctx context.Context, d Decision) (Outcome, bool, error) {
	req, err := m.store.Get(d.AuditID)
	if err != nil {
		return Outcome{}, false, err
	}

	if req.Status.Terminal() {
		payload := map[string]string{
			"attempted_decision": string(d.Decision),
			"resolved_status":    string(req.Status),
		}
		if _, err := m.auditLog.Record(req.EventID, string(req.Reason), audit.StageDuplicate, d.Responder, "duplicate_ignored", payload, req.AuditID); err != nil {
			m.log.Error("duplicate audit write failed", "audit_id", req.AuditID, "error", err)
		}
		m.log.HITLEvent("duplicate_decision", req.AuditID, req.EventID, string(req.Status))
		return Outcome{
			AuditID:   req.AuditID,
			Status:    req.Status,
			Responder: req.ResolvedBy,
		}, false, nil
	}

	if !validDecision(d.Decision) {
		return Outcome{}, false, apperr.Validation("decision " + string(d.Decision) + " is not applicable")
	}

	req.Status = d.Decision
	now := m.now()
	req.ResolvedAt = &now
	req.ResolvedBy = d.Responder
	if err := m.store.Put(req); err != nil {
		return Outcome{}, false, err
	}

	if err := m.store.CancelSchedule(req.AuditID); err != nil {
		m.log.Error("schedule cancel failed", "audit_id", req.AuditID, "error", err)
	}
	if m.engine != nil {
		m.engine.CancelFor(req.AuditID)
	}

	payload := map[string]string{"decision": string(d.Decision)}
	for k, v := range d.Fields {
		payload["field_"+k] = v
	}
	if _, err := m.auditLog.Record(req.EventID, string(req.Reason), audit.StageResponse, d.Responder, string(d.Decision), payload, req.AuditID); err != nil {
		m.log.Error("response audit write failed", "audit_id", req.AuditID, "error", err)
	}

	m.log.HITLEvent("decision_applied", req.AuditID, req.EventID, string(d.Decision))
	return Outcome{
		AuditID:   req.AuditID,
		Status:    d.Decision,
		Responder: d.Responder,
		Fields:    d.Fields,
	}, true, nil
}

// HandleInbound correlates a raw reply and applies the decision it carries.
// Unmatched messages are logged and dropped; the second return is true only
// when a decision was newly applied.
func (m *Manager) HandleInbound(ctx context.Context, correlator Correlator, msg InboundMessage) (Outcome, bool, error) {
	decision, ok := correlator.Correlate(msg)
	if !ok {
		return Outcome{}, false, nil
	}
	return m.ApplyDecision(ctx, decision)
}

// Resume re-arms the reminder schedule for every pending request after a
// restart.
func (m *Manager) Resume(ctx context.Context) error {
	if m.engine == nil {
		return nil
	}
	return m.engine.Resume(ctx)
}

// Pending lists unresolved requests, oldest first.
func (m *Manager) Pending() ([]Request, error) {
	return m.store.Pending()
}

// All returns every request on record, resolved included.
func (m *Manager) All() ([]Request, error) {
	return m.store.All()
}

// Get returns one request by audit id.
func (m *Manager) Get(auditID string) (Request, error) {
	return m.store.Get(auditID)
}

// PendingForEvent returns the unresolved request for an event, if any.
func (m *Manager) PendingForEvent(eventID string) (Request, bool, error) {
	return m.store.PendingForEvent(eventID)
}

// SetTimeoutContinuation registers the callback invoked after a pending
// request times out, so the decision engine can run the timeout branch of the
// suspended flow. Wired at startup once the engine exists.
func (m *Manager) SetTimeoutContinuation(fn func(ctx context.Context, req Request, outcome Outcome)) {
	m.onTimeout = fn
}

func (m *Manager) resolveTimeout(ctx context.Context, auditID string) {
	outcome, applied, err := m.ApplyDecision(ctx, Decision{
		AuditID:   auditID,
		Decision:  StatusTimeout,
		Responder: "system",
	})
	if err != nil {
		m.log.Error("timeout resolution failed", "audit_id", auditID, "error", err)
		return
	}
	if !applied {
		return
	}
	m.log.HITLEvent("request_timed_out", auditID, "", string(outcome.Status))

	if m.onTimeout == nil {
		return
	}
	req, err := m.store.Get(auditID)
	if err != nil {
		m.log.StoreError("hitl_requests", "get", err)
		return
	}
	m.onTimeout(ctx, req, outcome)
}

func validDecision(s Status) bool {
	switch s {
	case StatusApproved, StatusDeclined, StatusChangeRequested, StatusTimeout:
		return true
	default:
		return false
	}
}
