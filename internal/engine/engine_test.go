package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dealflow_backend/internal/audit"
	"dealflow_backend/internal/businesstime"
	"dealflow_backend/internal/cache"
	"dealflow_backend/internal/event"
	"dealflow_backend/internal/hitl"
	"dealflow_backend/internal/trigger"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/logger"
)

type fakeSource struct {
	events []event.CalendarEvent
}

func (s *fakeSource) Events(context.Context) ([]event.CalendarEvent, error) {
	return s.events, nil
}

func (s *fakeSource) Get(_ context.Context, eventID string) (event.CalendarEvent, error) {
	for _, e := range s.events {
		if e.ID == eventID {
			return e, nil
		}
	}
	return event.CalendarEvent{}, apperr.NotFound("event " + eventID + " not found")
}

type fakeExtractor struct {
	infos map[string]event.ExtractedInfo
}

func (x *fakeExtractor) Extract(e event.CalendarEvent) event.ExtractedInfo {
	return x.infos[e.ID]
}

type fakeLookup struct {
	result LookupResult
	err    error
	calls  int
}

func (l *fakeLookup) Lookup(context.Context, string) (LookupResult, error) {
	l.calls++
	if l.err != nil {
		return LookupResult{}, l.err
	}
	return l.result, nil
}

type fakeDispatcher struct {
	sent    []string
	payload map[string]string
	fail    bool
}

func (d *fakeDispatcher) Send(_ context.Context, e event.CalendarEvent, payload map[string]string) (bool, error) {
	if d.fail {
		return false, apperr.Transient("crm timeout", nil)
	}
	d.sent = append(d.sent, e.ID)
	d.payload = payload
	return true, nil
}

type fakeDossier struct {
	generated []string
}

func (g *fakeDossier) Generate(_ context.Context, companyName, _, _ string) (string, error) {
	g.generated = append(g.generated, companyName)
	return "/artifacts/" + companyName + ".md", nil
}

type stubNotifier struct{}

func (stubNotifier) SendRequest(_ context.Context, req hitl.Request) (string, error) {
	return "notified " + req.AuditID, nil
}
func (stubNotifier) SendReminder(context.Context, hitl.Request) error      { return nil }
func (stubNotifier) SendEscalation(context.Context, hitl.Request) error    { return nil }
func (stubNotifier) SendAdminReminder(context.Context, hitl.Request) error { return nil }

type fixture struct {
	engine     *Engine
	source     *fakeSource
	lookup     *fakeLookup
	dispatcher *fakeDispatcher
	dossier    *fakeDossier
	hitl       *hitl.Manager
	store      *hitl.FileStore
	auditLog   *audit.Log
	negative   *cache.NegativeCache
	processed  *cache.ProcessedCache
}

func testEvent(id, summary, organizer string) event.CalendarEvent {
	return event.CalendarEvent{
		ID:      id,
		Summary: summary,
		Start:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Organizer: event.Attendee{
			Email: organizer,
		},
	}
}

func newFixture(t *testing.T, rules trigger.Rules, infos map[string]event.ExtractedInfo, events ...event.CalendarEvent) *fixture {
	t.Helper()
	log := logger.New("test")
	dir := t.TempDir()

	negative := cache.LoadNegativeCache(filepath.Join(dir, "negative.json"), log)
	processed := cache.LoadProcessedCache(filepath.Join(dir, "processed.json"), log)

	store := hitl.NewFileStore(dir, log)
	auditLog, err := audit.NewLog(filepath.Join(dir, "audit.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	policy := businesstime.Policy{
		Location:       loc,
		FirstDeadline:  businesstime.ClockTime{Hour: 10},
		FirstReminder:  businesstime.ClockTime{Hour: 10, Minute: 1},
		SecondDeadline: businesstime.ClockTime{Hour: 14},
		Escalation:     businesstime.ClockTime{Hour: 14, Minute: 1},
	}
	manager := hitl.NewManager(store, auditLog, stubNotifier{}, policy, nil, 0, log)

	source := &fakeSource{events: events}
	lookup := &fakeLookup{}
	dispatcher := &fakeDispatcher{}
	dossier := &fakeDossier{}

	en := New(Options{
		Detector:       trigger.NewDetector(rules),
		NegativeCache:  negative,
		ProcessedCache: processed,
		Extractor:      &fakeExtractor{infos: infos},
		CRMLookup:      lookup,
		CRMDispatcher:  dispatcher,
		Dossier:        dossier,
		HITL:           manager,
		Source:         source,
		RunID:          "run-test",
		Log:            log,
	})

	return &fixture{
		engine:     en,
		source:     source,
		lookup:     lookup,
		dispatcher: dispatcher,
		dossier:    dossier,
		hitl:       manager,
		store:      store,
		auditLog:   auditLog,
		negative:   negative,
		processed:  processed,
	}
}

var defaultRules = trigger.Rules{
	Hard: []string{"contract", "onboarding"},
	Soft: []string{"introduction", "catch-up"},
}

// Hard trigger, company not in CRM: dossier forced, straight dispatch, no
// human review.
func TestHardTriggerUnknownCompanyDispatches(t *testing.T) {
	e := testEvent("evt-a", "Contract kickoff with Acme", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-a": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)
	f.lookup.result = LookupResult{CompanyInCRM: false}

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDispatched {
		t.Fatalf("status = %q, want dispatched_to_crm (error=%q)", res.Status, res.Error)
	}
	if len(f.dossier.generated) != 1 {
		t.Fatalf("dossier generations = %d, want 1", len(f.dossier.generated))
	}
	if len(f.dispatcher.sent) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(f.dispatcher.sent))
	}
	if res.ArtifactPath == "" || f.dispatcher.payload["dossier_artifact"] != res.ArtifactPath {
		t.Fatalf("artifact not threaded into the payload: %+v", f.dispatcher.payload)
	}

	pending, _ := f.store.Pending()
	if len(pending) != 0 {
		t.Fatalf("expected no review requests, got %d", len(pending))
	}
}

// Idempotent dispatch: the second pass over an unchanged event is a cache
// skip, the CRM sees the event at most once.
func TestDispatchIsIdempotent(t *testing.T) {
	e := testEvent("evt-a", "Contract kickoff", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-a": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)

	first := f.engine.ProcessEvent(context.Background(), e)
	if first.Status != StatusDispatched {
		t.Fatalf("first pass = %q", first.Status)
	}
	second := f.engine.ProcessEvent(context.Background(), e)
	if second.Status != StatusSkippedProcessed {
		t.Fatalf("second pass = %q, want skipped_processed_event", second.Status)
	}
	if len(f.dispatcher.sent) != 1 {
		t.Fatalf("dispatches = %d, want exactly 1", len(f.dispatcher.sent))
	}
}

// A failed dispatch must not mark the event processed.
func TestFailedDispatchIsRetriable(t *testing.T) {
	e := testEvent("evt-a", "Contract kickoff", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-a": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)

	f.dispatcher.fail = true
	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDispatchFailed {
		t.Fatalf("status = %q, want crm_dispatch_failed", res.Status)
	}

	f.dispatcher.fail = false
	res = f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDispatched {
		t.Fatalf("retry status = %q, want dispatched_to_crm", res.Status)
	}
}

// Hard trigger with company and attachments already in the CRM: review
// required; approval dispatches with a fresh dossier, reminders cancelled.
func TestAttachmentsReviewApproveDispatches(t *testing.T) {
	e := testEvent("evt-b", "Contract renewal", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-b": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)
	f.lookup.result = LookupResult{CompanyInCRM: true, AttachmentsInCRM: true, AttachmentCount: 3}

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusAttachmentsPending {
		t.Fatalf("status = %q, want attachments_review_pending", res.Status)
	}
	if res.AuditID == "" {
		t.Fatal("expected an audit id on the pending result")
	}

	outcome, applied, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID:   res.AuditID,
		Decision:  hitl.StatusApproved,
		Responder: "organizer@corp.example",
	})
	if err != nil || !applied {
		t.Fatalf("ApplyDecision: applied=%v err=%v", applied, err)
	}

	req, err := f.store.Get(res.AuditID)
	if err != nil {
		t.Fatal(err)
	}
	cont, err := f.engine.HandleOutcome(context.Background(), req, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusDispatched {
		t.Fatalf("continuation status = %q, want dispatched_to_crm", cont.Status)
	}
	if len(f.dossier.generated) != 1 {
		t.Fatalf("dossier generations = %d, want 1 (after approval)", len(f.dossier.generated))
	}

	active, _ := f.store.ActiveSchedule()
	if len(active) != 0 {
		t.Fatalf("reminders still active after resolution: %d", len(active))
	}
}

func TestAttachmentsReviewDeclineTerminates(t *testing.T) {
	e := testEvent("evt-b", "Contract renewal", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-b": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)
	f.lookup.result = LookupResult{CompanyInCRM: true, AttachmentsInCRM: true}

	res := f.engine.ProcessEvent(context.Background(), e)
	outcome, _, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID: res.AuditID, Decision: hitl.StatusDeclined, Responder: "organizer@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.Get(res.AuditID)
	cont, err := f.engine.HandleOutcome(context.Background(), req, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusAttachmentsDeclined {
		t.Fatalf("status = %q, want attachments_declined", cont.Status)
	}
	if len(f.dispatcher.sent) != 0 {
		t.Fatal("decline must not dispatch to the CRM")
	}
}

// Soft trigger declined: terminal dossier_declined, no dispatch, exactly one
// request and one response audit entry.
func TestSoftTriggerDeclined(t *testing.T) {
	e := testEvent("evt-c", "Quick introduction call", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-c": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDossierPending {
		t.Fatalf("status = %q, want dossier_pending", res.Status)
	}

	outcome, _, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID: res.AuditID, Decision: hitl.StatusDeclined, Responder: "organizer@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.Get(res.AuditID)
	cont, err := f.engine.HandleOutcome(context.Background(), req, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusDossierDeclined {
		t.Fatalf("status = %q, want dossier_declined", cont.Status)
	}
	if len(f.dispatcher.sent) != 0 {
		t.Fatal("declined soft trigger must not dispatch")
	}

	entries, _ := f.auditLog.EntriesFor(res.AuditID)
	var requests, responses int
	for _, entry := range entries {
		switch entry.Stage {
		case audit.StageRequest:
			requests++
		case audit.StageResponse:
			responses++
		}
	}
	if requests != 1 || responses != 1 {
		t.Fatalf("audit entries: %d requests, %d responses, want 1/1", requests, responses)
	}
}

// Soft trigger approved with complete data re-enters as hard and dispatches,
// marked as converted.
func TestSoftTriggerApprovedConvertsToHard(t *testing.T) {
	e := testEvent("evt-c", "Quick introduction call", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-c": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	outcome, _, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID: res.AuditID, Decision: hitl.StatusApproved, Responder: "organizer@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.Get(res.AuditID)
	cont, err := f.engine.HandleOutcome(context.Background(), req, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusDispatched {
		t.Fatalf("status = %q, want dispatched_to_crm", cont.Status)
	}
	if !cont.ConvertedFromSoft {
		t.Fatal("continuation must be marked converted_from_soft")
	}
	if f.dispatcher.payload["converted_from_soft"] != "true" {
		t.Fatalf("payload missing conversion marker: %+v", f.dispatcher.payload)
	}
}

// Missing company domain on a hard trigger: missing_info review; supplying
// the domain resumes as a fresh hard evaluation with complete data.
func TestMissingInfoLoopCompletes(t *testing.T) {
	e := testEvent("evt-d", "Contract negotiation", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-d": {CompanyName: "Acme"}}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusMissingInfoPending {
		t.Fatalf("status = %q, want missing_info_pending", res.Status)
	}

	stored, _ := f.store.Get(res.AuditID)
	if len(stored.Context.RequestedFields) != 1 || stored.Context.RequestedFields[0] != "company_domain" {
		t.Fatalf("requested fields = %v, want [company_domain]", stored.Context.RequestedFields)
	}

	outcome, _, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID:   res.AuditID,
		Decision:  hitl.StatusApproved,
		Responder: "organizer@corp.example",
		Fields:    map[string]string{"company_domain": "acme.example"},
	})
	if err != nil {
		t.Fatal(err)
	}
	cont, err := f.engine.HandleOutcome(context.Background(), stored, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusDispatched {
		t.Fatalf("continuation status = %q, want dispatched_to_crm", cont.Status)
	}
	if f.lookup.calls != 1 {
		t.Fatalf("lookup calls = %d, want 1 (fresh hard evaluation)", f.lookup.calls)
	}
}

func TestMissingInfoStillIncomplete(t *testing.T) {
	e := testEvent("evt-d", "Contract negotiation", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-d": {}}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	outcome, _, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID:   res.AuditID,
		Decision:  hitl.StatusApproved,
		Responder: "organizer@corp.example",
		Fields:    map[string]string{"company_name": "Acme"},
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.Get(res.AuditID)
	cont, err := f.engine.HandleOutcome(context.Background(), req, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusMissingInfoFailed {
		t.Fatalf("status = %q, want missing_info_incomplete", cont.Status)
	}
	if len(f.dispatcher.sent) != 0 {
		t.Fatal("incomplete data must not dispatch")
	}
}

// Soft trigger with incomplete data chains confirmation then missing-info.
func TestSoftIncompleteChainsMissingInfo(t *testing.T) {
	e := testEvent("evt-e", "Introduction chat", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-e": {CompanyName: "Acme"}}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDossierPending {
		t.Fatalf("status = %q, want dossier_pending", res.Status)
	}

	outcome, _, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID: res.AuditID, Decision: hitl.StatusApproved, Responder: "organizer@corp.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := f.store.Get(res.AuditID)
	cont, err := f.engine.HandleOutcome(context.Background(), req, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusMissingInfoPending {
		t.Fatalf("status = %q, want missing_info_pending", cont.Status)
	}
	if !cont.ConvertedFromSoft {
		t.Fatal("follow-up review must carry the conversion marker")
	}

	followUp, err := f.store.Get(cont.AuditID)
	if err != nil {
		t.Fatal(err)
	}
	if followUp.Reason != hitl.ReasonMissingInfo || !followUp.Context.ConvertedFromSoft {
		t.Fatalf("unexpected follow-up request: %+v", followUp)
	}
}

// CRM lookup failure resolves conservatively: company treated as unknown,
// dossier forced.
func TestLookupFailureForcesDossier(t *testing.T) {
	e := testEvent("evt-f", "Contract review", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-f": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)
	f.lookup.err = apperr.Transient("crm rate limited", nil)

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDispatched {
		t.Fatalf("status = %q, want dispatched_to_crm", res.Status)
	}
	if len(f.dossier.generated) != 1 {
		t.Fatal("lookup failure must force the dossier")
	}
}

// No-trigger events land in the negative cache; changing the rules
// invalidates the cached skip.
func TestNoTriggerCachedAndRuleInvalidation(t *testing.T) {
	e := testEvent("evt-g", "Team standup", "organizer@corp.example")
	f := newFixture(t, defaultRules, map[string]event.ExtractedInfo{}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusNoTrigger {
		t.Fatalf("status = %q, want no_trigger", res.Status)
	}
	res = f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusSkippedNegative {
		t.Fatalf("second pass = %q, want skipped_negative_cache", res.Status)
	}

	// A new rule set (now matching the event) must bypass the cached skip.
	widened := trigger.Rules{Hard: append(append([]string{}, defaultRules.Hard...), "standup"), Soft: defaultRules.Soft}
	f.engine.detector = trigger.NewDetector(widened)
	f.engine.ruleHash = widened.Hash()
	res = f.engine.ProcessEvent(context.Background(), e)
	if res.Status == StatusSkippedNegative {
		t.Fatal("rule change must invalidate the cached skip decision")
	}
}

func TestConfidenceThresholdSkips(t *testing.T) {
	e := event.CalendarEvent{
		ID:          "evt-h",
		Summary:     "Planning session",
		Description: "We should discuss the contract terms over coffee.",
		Start:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Organizer:   event.Attendee{Email: "organizer@corp.example"},
	}
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-h": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)
	f.engine.threshold = 0.9

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusSkippedThreshold {
		t.Fatalf("status = %q, want skipped_trigger_threshold", res.Status)
	}
	res = f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusSkippedNegative {
		t.Fatalf("threshold skip must be cached, got %q", res.Status)
	}
}

// An event whose review is still open must not spawn a second request on the
// next poll; a changed payload re-enters the table.
func TestPendingReviewNotDuplicatedAcrossPolls(t *testing.T) {
	e := testEvent("evt-i", "Contract renewal", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-i": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)
	f.lookup.result = LookupResult{CompanyInCRM: true, AttachmentsInCRM: true}

	first := f.engine.ProcessEvent(context.Background(), e)
	if first.Status != StatusAttachmentsPending {
		t.Fatalf("first pass = %q, want attachments_review_pending", first.Status)
	}

	second := f.engine.ProcessEvent(context.Background(), e)
	if second.Status != StatusReviewPending {
		t.Fatalf("second pass = %q, want review_pending", second.Status)
	}
	if second.AuditID != first.AuditID {
		t.Fatalf("second pass audit id = %q, want %q", second.AuditID, first.AuditID)
	}

	pending, _ := f.store.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending requests = %d, want exactly 1", len(pending))
	}
	entries, _ := f.auditLog.EntriesFor(first.AuditID)
	var requests int
	for _, entry := range entries {
		if entry.Stage == audit.StageRequest {
			requests++
		}
	}
	if requests != 1 {
		t.Fatalf("request audit entries = %d, want 1", requests)
	}

	// A changed payload means the human saw stale details; the event is
	// re-evaluated instead of gated.
	changed := e
	changed.Summary = "Contract renewal, rescheduled"
	res := f.engine.ProcessEvent(context.Background(), changed)
	if res.Status != StatusAttachmentsPending {
		t.Fatalf("changed payload = %q, want attachments_review_pending", res.Status)
	}
	if res.AuditID == first.AuditID {
		t.Fatal("changed payload must open a fresh review")
	}
}

// Once an event triggers under the current rules, its negative entry is
// dropped so a later rule revert cannot replay a stale skip.
func TestTriggerClearsStaleNegativeEntry(t *testing.T) {
	e := testEvent("evt-j", "Team standup", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-j": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusNoTrigger {
		t.Fatalf("status = %q, want no_trigger", res.Status)
	}

	widened := trigger.Rules{Hard: append(append([]string{}, defaultRules.Hard...), "standup"), Soft: defaultRules.Soft}
	f.engine.detector = trigger.NewDetector(widened)
	f.engine.ruleHash = widened.Hash()
	f.dispatcher.fail = true
	res = f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDispatchFailed {
		t.Fatalf("widened rules = %q, want crm_dispatch_failed", res.Status)
	}

	f.engine.detector = trigger.NewDetector(defaultRules)
	f.engine.ruleHash = defaultRules.Hash()
	res = f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusNoTrigger {
		t.Fatalf("after revert = %q, want no_trigger (fresh evaluation, not a cached skip)", res.Status)
	}
}

// A timed-out review resolves its flow terminally without touching the CRM.
func TestTimeoutOutcomeTerminal(t *testing.T) {
	e := testEvent("evt-k", "Quick introduction call", "organizer@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-k": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e)

	res := f.engine.ProcessEvent(context.Background(), e)
	if res.Status != StatusDossierPending {
		t.Fatalf("status = %q, want dossier_pending", res.Status)
	}

	outcome, applied, err := f.hitl.ApplyDecision(context.Background(), hitl.Decision{
		AuditID: res.AuditID, Decision: hitl.StatusTimeout, Responder: "system",
	})
	if err != nil || !applied {
		t.Fatalf("ApplyDecision: applied=%v err=%v", applied, err)
	}
	req, _ := f.store.Get(res.AuditID)
	cont, err := f.engine.HandleOutcome(context.Background(), req, outcome)
	if err != nil {
		t.Fatal(err)
	}
	if cont.Status != StatusTimedOut {
		t.Fatalf("continuation status = %q, want hitl_timeout", cont.Status)
	}
	if len(f.dispatcher.sent) != 0 {
		t.Fatal("timeout must not dispatch to the CRM")
	}
}

func TestProcessAllEventsOrder(t *testing.T) {
	e1 := testEvent("evt-1", "Contract signing", "a@corp.example")
	e2 := testEvent("evt-2", "Team standup", "b@corp.example")
	f := newFixture(t, defaultRules,
		map[string]event.ExtractedInfo{"evt-1": {CompanyName: "Acme", CompanyDomain: "acme.example"}}, e1, e2)

	results, err := f.engine.ProcessAllEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].EventID != "evt-1" || results[1].EventID != "evt-2" {
		t.Fatalf("results out of order: %+v", results)
	}
	if results[0].Status != StatusDispatched || results[1].Status != StatusNoTrigger {
		t.Fatalf("unexpected statuses: %q, %q", results[0].Status, results[1].Status)
	}
}
