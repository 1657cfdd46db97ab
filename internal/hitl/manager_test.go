package hitl

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dealflow_backend/internal/audit"
	"dealflow_backend/internal/businesstime"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/logger"
)

type fakeNotifier struct {
	mu         sync.Mutex
	requests   []string
	reminders  []string
	escalated  []string
	adminPings []string
	failSend   bool
}

func (f *fakeNotifier) SendRequest(_ context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return "", errors.New("smtp down")
	}
	f.requests = append(f.requests, req.AuditID)
	return "rendered for " + req.AuditID, nil
}

func (f *fakeNotifier) SendReminder(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminders = append(f.reminders, req.AuditID)
	return nil
}

func (f *fakeNotifier) SendEscalation(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, req.AuditID)
	return nil
}

func (f *fakeNotifier) SendAdminReminder(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminPings = append(f.adminPings, req.AuditID)
	return nil
}

func (f *fakeNotifier) reminderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reminders)
}

func testPolicy(t *testing.T) businesstime.Policy {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	return businesstime.Policy{
		Location:              loc,
		FirstDeadline:         businesstime.ClockTime{Hour: 10},
		FirstReminder:         businesstime.ClockTime{Hour: 10, Minute: 1},
		SecondDeadline:        businesstime.ClockTime{Hour: 14},
		Escalation:            businesstime.ClockTime{Hour: 14, Minute: 1},
		AdminReminderInterval: 24 * time.Hour,
	}
}

func testManager(t *testing.T, notifier Notifier, timeout time.Duration) (*Manager, *FileStore, *audit.Log) {
	t.Helper()
	log := logger.New("test")
	dir := t.TempDir()
	store := NewFileStore(dir, log)
	auditLog, err := audit.NewLog(filepath.Join(dir, "audit.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(store, auditLog, notifier, testPolicy(t), nil, timeout, log)
	return m, store, auditLog
}

func TestCreateRequestAssignsIDAndSchedules(t *testing.T) {
	notifier := &fakeNotifier{}
	m, store, auditLog := testManager(t, notifier, 0)

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
		Subject: "Review needed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.AuditID == "" {
		t.Fatal("expected audit id to be allocated")
	}
	if req.Status != StatusPending {
		t.Fatalf("status = %q, want pending", req.Status)
	}
	if req.RenderedMessage != "rendered for "+req.AuditID {
		t.Fatalf("rendered message not stored: %q", req.RenderedMessage)
	}
	if req.Context.Schedule == nil {
		t.Fatal("expected a computed schedule on the request")
	}

	active, err := store.ActiveSchedule()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("active schedule entries = %d, want 2 (reminder, escalation)", len(active))
	}

	entries, err := auditLog.EntriesFor(req.AuditID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Stage != audit.StageRequest {
		t.Fatalf("expected one request-stage audit entry, got %+v", entries)
	}
}

func TestCreateRequestWithTimeoutEntry(t *testing.T) {
	m, store, _ := testManager(t, &fakeNotifier{}, 48*time.Hour)

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonMissingInfo,
		Contact: "ops@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}

	active, _ := store.ActiveSchedule()
	var foundTimeout bool
	for _, e := range active {
		if e.Kind == EntryTimeout {
			foundTimeout = true
			want := req.CreatedAt.Add(48 * time.Hour)
			if !e.FireAt.Equal(want) {
				t.Fatalf("timeout fires at %v, want %v", e.FireAt, want)
			}
		}
	}
	if !foundTimeout {
		t.Fatal("expected a timeout schedule entry")
	}
}

func TestCreateRequestWithoutChannelSkips(t *testing.T) {
	m, store, _ := testManager(t, nil, 0)

	req, err := m.CreateRequest(context.Background(), Request{EventID: "evt-1", Reason: ReasonAttachmentsReview})
	if !apperr.Is(err, apperr.KindBackendUnavailable) {
		t.Fatalf("expected backend-unavailable error, got %v", err)
	}
	if req.Status != StatusSkipped {
		t.Fatalf("status = %q, want skipped", req.Status)
	}

	stored, err := store.Get(req.AuditID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusSkipped || stored.ResolvedAt == nil {
		t.Fatalf("skipped request not resolved on disk: %+v", stored)
	}
}

// A failed notification send must not lose the request: it stays pending with
// the cadence armed so reminders keep surfacing it.
func TestCreateRequestSendFailureStaysPending(t *testing.T) {
	notifier := &fakeNotifier{failSend: true}
	m, store, _ := testManager(t, notifier, 0)

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatalf("a failed send must not fail the request: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("status = %q, want pending", req.Status)
	}

	pending, err := store.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(pending))
	}
	active, _ := store.ActiveSchedule()
	if len(active) != 2 {
		t.Fatalf("active schedule entries = %d, want 2 (reminder, escalation)", len(active))
	}
}

func TestCreateRequestWithoutContactOmitsReminders(t *testing.T) {
	m, store, _ := testManager(t, &fakeNotifier{}, 0)

	req, err := m.CreateRequest(context.Background(), Request{EventID: "evt-1", Reason: ReasonSoftConfirmation})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending {
		t.Fatalf("status = %q, want pending", req.Status)
	}

	active, _ := store.ActiveSchedule()
	if len(active) != 0 {
		t.Fatalf("expected no schedule entries without a contact, got %d", len(active))
	}
}

func TestApplyDecisionResolvesAndCancels(t *testing.T) {
	m, store, auditLog := testManager(t, &fakeNotifier{}, 0)

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}

	outcome, applied, err := m.ApplyDecision(context.Background(), Decision{
		AuditID:   req.AuditID,
		Decision:  StatusApproved,
		Responder: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("expected the first decision to apply")
	}
	if outcome.Status != StatusApproved {
		t.Fatalf("outcome status = %q", outcome.Status)
	}

	stored, _ := store.Get(req.AuditID)
	if stored.Status != StatusApproved || stored.ResolvedBy != "sales@corp.example" || stored.ResolvedAt == nil {
		t.Fatalf("request not resolved: %+v", stored)
	}

	active, _ := store.ActiveSchedule()
	if len(active) != 0 {
		t.Fatalf("expected schedule cancelled, %d entries still active", len(active))
	}

	if !auditLog.HasResponse(req.AuditID) {
		t.Fatal("expected a response-stage audit entry")
	}
}

func TestApplyDecisionIsIdempotent(t *testing.T) {
	m, _, auditLog := testManager(t, &fakeNotifier{}, 0)

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.ApplyDecision(context.Background(), Decision{AuditID: req.AuditID, Decision: StatusDeclined, Responder: "a@corp.example"}); err != nil {
		t.Fatal(err)
	}

	outcome, applied, err := m.ApplyDecision(context.Background(), Decision{AuditID: req.AuditID, Decision: StatusApproved, Responder: "b@corp.example"})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("second decision must not apply")
	}
	if outcome.Status != StatusDeclined || outcome.Responder != "a@corp.example" {
		t.Fatalf("duplicate must report the original outcome, got %+v", outcome)
	}

	entries, _ := auditLog.EntriesFor(req.AuditID)
	var duplicates int
	for _, e := range entries {
		if e.Stage == audit.StageDuplicate {
			duplicates++
		}
	}
	if duplicates != 1 {
		t.Fatalf("duplicate audit entries = %d, want 1", duplicates)
	}
}

func TestApplyDecisionUnknownRequest(t *testing.T) {
	m, _, _ := testManager(t, &fakeNotifier{}, 0)

	_, _, err := m.ApplyDecision(context.Background(), Decision{AuditID: "nope", Decision: StatusApproved})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestHandleInboundAppliesReply(t *testing.T) {
	m, store, _ := testManager(t, &fakeNotifier{}, 0)
	log := logger.New("test")

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}

	correlator := NewReplyCorrelator(store, log)
	outcome, applied, err := m.HandleInbound(context.Background(), correlator, InboundMessage{
		From:    "sales@corp.example",
		Subject: "Re: review [audit:" + req.AuditID + "]",
		Body:    "Approved, go ahead.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !applied || outcome.Status != StatusApproved {
		t.Fatalf("applied=%v outcome=%+v", applied, outcome)
	}
}

func TestHandleInboundUnmatchedDropped(t *testing.T) {
	m, store, _ := testManager(t, &fakeNotifier{}, 0)
	correlator := NewReplyCorrelator(store, logger.New("test"))

	_, applied, err := m.HandleInbound(context.Background(), correlator, InboundMessage{
		From:    "stranger@example.com",
		Subject: "hello",
		Body:    "approve",
	})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("unmatched message must not apply a decision")
	}
}

func TestMissingInfoReplyCollectsFields(t *testing.T) {
	m, store, _ := testManager(t, &fakeNotifier{}, 0)

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonMissingInfo,
		Contact: "sales@corp.example",
		Context: Context{RequestedFields: []string{"company_name", "company_domain"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	correlator := NewReplyCorrelator(store, logger.New("test"))
	outcome, applied, err := m.HandleInbound(context.Background(), correlator, InboundMessage{
		From:    "sales@corp.example",
		Subject: "Re: info [audit:" + req.AuditID + "]",
		Body:    "Company Name: Acme GmbH\nCompany Domain: acme.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("expected the info reply to apply")
	}
	if outcome.Fields["company_name"] != "Acme GmbH" || outcome.Fields["company_domain"] != "acme.example" {
		t.Fatalf("fields not collected: %+v", outcome.Fields)
	}
}

func TestReminderEngineFiresForPendingOnly(t *testing.T) {
	notifier := &fakeNotifier{}
	log := logger.New("test")
	dir := t.TempDir()
	store := NewFileStore(dir, log)
	auditLog, err := audit.NewLog(filepath.Join(dir, "audit.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewReminderEngine(store, auditLog, notifier, 0, log)
	// The manager runs without the engine here so CreateRequest does not arm
	// the regular cadence; the test arms only past-due entries by hand.
	m := NewManager(store, auditLog, notifier, testPolicy(t), nil, 0, log)

	pendingReq, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-pending",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	resolvedReq, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-resolved",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.ApplyDecision(context.Background(), Decision{AuditID: resolvedReq.AuditID, Decision: StatusDeclined, Responder: "sales"}); err != nil {
		t.Fatal(err)
	}

	// Past-due entries fire immediately when armed.
	past := time.Now().Add(-time.Minute)
	entries := []ScheduleEntry{
		{AuditID: pendingReq.AuditID, Kind: EntryFirstReminder, FireAt: past},
		{AuditID: resolvedReq.AuditID, Kind: EntryFirstReminder, FireAt: past},
	}
	if err := store.AppendSchedule(entries); err != nil {
		t.Fatal(err)
	}
	engine.Arm(context.Background(), entries)
	engine.Drain()

	if got := notifier.reminderCount(); got != 1 {
		t.Fatalf("reminders sent = %d, want 1 (resolved request must be skipped)", got)
	}

	stored, _ := store.Get(pendingReq.AuditID)
	if stored.RemindersSent != 1 {
		t.Fatalf("RemindersSent = %d, want 1", stored.RemindersSent)
	}
}

func TestTimeoutEntryResolvesRequest(t *testing.T) {
	notifier := &fakeNotifier{}
	log := logger.New("test")
	dir := t.TempDir()
	store := NewFileStore(dir, log)
	auditLog, err := audit.NewLog(filepath.Join(dir, "audit.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewReminderEngine(store, auditLog, notifier, 0, log)
	m := NewManager(store, auditLog, notifier, testPolicy(t), engine, 0, log)

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonAttachmentsReview,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}

	entry := ScheduleEntry{AuditID: req.AuditID, Kind: EntryTimeout, FireAt: time.Now().Add(-time.Second)}
	if err := store.AppendSchedule([]ScheduleEntry{entry}); err != nil {
		t.Fatal(err)
	}
	engine.Arm(context.Background(), []ScheduleEntry{entry})
	engine.Drain()

	stored, _ := store.Get(req.AuditID)
	if stored.Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout", stored.Status)
	}
}

// A timeout resolution is a decision like any other: the registered
// continuation receives the resolved request so the suspended flow finishes.
func TestTimeoutEntryRunsContinuation(t *testing.T) {
	notifier := &fakeNotifier{}
	log := logger.New("test")
	dir := t.TempDir()
	store := NewFileStore(dir, log)
	auditLog, err := audit.NewLog(filepath.Join(dir, "audit.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewReminderEngine(store, auditLog, notifier, 0, log)
	m := NewManager(store, auditLog, notifier, testPolicy(t), engine, 0, log)

	var mu sync.Mutex
	var gotReq Request
	var gotOutcome Outcome
	m.SetTimeoutContinuation(func(_ context.Context, req Request, outcome Outcome) {
		mu.Lock()
		defer mu.Unlock()
		gotReq = req
		gotOutcome = outcome
	})

	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}

	entry := ScheduleEntry{AuditID: req.AuditID, Kind: EntryTimeout, FireAt: time.Now().Add(-time.Second)}
	if err := store.AppendSchedule([]ScheduleEntry{entry}); err != nil {
		t.Fatal(err)
	}
	engine.Arm(context.Background(), []ScheduleEntry{entry})
	engine.Drain()

	mu.Lock()
	defer mu.Unlock()
	if gotReq.AuditID != req.AuditID {
		t.Fatalf("continuation saw audit id %q, want %q", gotReq.AuditID, req.AuditID)
	}
	if gotReq.Status != StatusTimeout || gotOutcome.Status != StatusTimeout {
		t.Fatalf("continuation request/outcome = %q/%q, want timeout/timeout", gotReq.Status, gotOutcome.Status)
	}
	if gotReq.Reason != ReasonSoftConfirmation {
		t.Fatalf("continuation reason = %q, want %q", gotReq.Reason, ReasonSoftConfirmation)
	}
}

func TestResumeRearmsActiveEntries(t *testing.T) {
	notifier := &fakeNotifier{}
	log := logger.New("test")
	dir := t.TempDir()
	store := NewFileStore(dir, log)
	auditLog, err := audit.NewLog(filepath.Join(dir, "audit.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(store, auditLog, notifier, testPolicy(t), nil, 0, log)
	req, err := m.CreateRequest(context.Background(), Request{
		EventID: "evt-1",
		Reason:  ReasonSoftConfirmation,
		Contact: "sales@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CancelSchedule(req.AuditID, EntryEscalation); err != nil {
		t.Fatal(err)
	}
	// Force the surviving reminder entry into the past so resume fires it.
	if err := store.CancelSchedule(req.AuditID, EntryFirstReminder); err != nil {
		t.Fatal(err)
	}
	entry := ScheduleEntry{AuditID: req.AuditID, Kind: EntryFirstReminder, FireAt: time.Now().Add(-time.Minute)}
	if err := store.AppendSchedule([]ScheduleEntry{entry}); err != nil {
		t.Fatal(err)
	}

	// Fresh engine simulating a restart over the same files.
	restarted := NewFileStore(dir, log)
	engine := NewReminderEngine(restarted, auditLog, notifier, 0, log)
	m2 := NewManager(restarted, auditLog, notifier, testPolicy(t), engine, 0, log)
	if err := m2.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	engine.Drain()

	if got := notifier.reminderCount(); got != 1 {
		t.Fatalf("reminders after resume = %d, want 1", got)
	}
}
