// Package engine evaluates calendar events against the trigger/CRM decision
// table and drives every branch to a terminal status: cached skip, CRM
// dispatch, or a pending human review whose continuation re-enters the table.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"dealflow_backend/internal/cache"
	"dealflow_backend/internal/event"
	"dealflow_backend/internal/hitl"
	"dealflow_backend/internal/trigger"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/logger"
)

// Status is the terminal (or pending) outcome of one event's processing.
type Status string

const (
	StatusNoTrigger           Status = "no_trigger"
	StatusSkippedThreshold    Status = "skipped_trigger_threshold"
	StatusSkippedNegative     Status = "skipped_negative_cache"
	StatusSkippedProcessed    Status = "skipped_processed_event"
	StatusReviewPending       Status = "review_pending"
	StatusDispatched          Status = "dispatched_to_crm"
	StatusDispatchFailed      Status = "crm_dispatch_failed"
	StatusMissingInfoPending  Status = "missing_info_pending"
	StatusMissingInfoFailed   Status = "missing_info_incomplete"
	StatusAttachmentsPending  Status = "attachments_review_pending"
	StatusAttachmentsDeclined Status = "attachments_declined"
	StatusDossierPending      Status = "dossier_pending"
	StatusDossierDeclined     Status = "dossier_declined"
	StatusDossierUnavailable  Status = "dossier_backend_unavailable"
	StatusChannelUnavailable  Status = "hitl_backend_unavailable"
	StatusTimedOut            Status = "hitl_timeout"
)

// EventResult is the per-event record that ends up in the run manifest.
type EventResult struct {
	EventID           string    `json:"event_id"`
	Status            Status    `json:"status"`
	TriggerType       string    `json:"trigger_type,omitempty"`
	MatchedWord       string    `json:"matched_word,omitempty"`
	AuditID           string    `json:"audit_id,omitempty"`
	ArtifactPath      string    `json:"artifact_path,omitempty"`
	CRMDispatched     bool      `json:"crm_dispatched"`
	ConvertedFromSoft bool      `json:"converted_from_soft,omitempty"`
	Error             string    `json:"error,omitempty"`
	ProcessedAt       time.Time `json:"processed_at"`
}

// Engine owns the decision table. All collaborators are injected; the engine
// itself performs no I/O beyond what its ports do.
type Engine struct {
	detector  *trigger.Detector
	ruleHash  string
	threshold float64

	negative  *cache.NegativeCache
	processed *cache.ProcessedCache

	extractor  Extractor
	crm        CRMLookup
	dispatcher CRMDispatcher
	dossier    DossierGenerator
	hitl       *hitl.Manager
	source     EventSource

	runID string
	log   *logger.Logger
	now   func() time.Time
}

type Options struct {
	Detector            *trigger.Detector
	ConfidenceThreshold float64
	NegativeCache       *cache.NegativeCache
	ProcessedCache      *cache.ProcessedCache
	Extractor           Extractor
	CRMLookup           CRMLookup
	CRMDispatcher       CRMDispatcher
	Dossier             DossierGenerator
	HITL                *hitl.Manager
	Source              EventSource
	RunID               string
	Log                 *logger.Logger
}

func New(opts Options) *Engine {
	return &Engine{
		detector:   opts.Detector,
		ruleHash:   opts.Detector.Rules().Hash(),
		threshold:  opts.ConfidenceThreshold,
		negative:   opts.NegativeCache,
		processed:  opts.ProcessedCache,
		extractor:  opts.Extractor,
		crm:        opts.CRMLookup,
		dispatcher: opts.CRMDispatcher,
		dossier:    opts.Dossier,
		hitl:       opts.HITL,
		source:     opts.Source,
		runID:      opts.RunID,
		log:        opts.Log,
		now:        time.Now,
	}
}

// RuleHash exposes the active rule-set version for diagnostics.
func (en *Engine) RuleHash() string { return en.ruleHash }

// ProcessAllEvents runs the decision table over every event from the source.
// Events are processed strictly in order; one event's failure never aborts
// the run.
func (en *Engine) ProcessAllEvents(ctx context.Context) ([]EventResult, error) {
	events, err := en.source.Events(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]EventResult, 0, len(events))
	for _, e := range events {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, en.ProcessEvent(ctx, e))
	}

	if err := en.negative.Flush(); err != nil {
		en.log.StoreError("negative_cache", "flush", err)
	}
	if err := en.processed.Flush(); err != nil {
		en.log.StoreError("processed_cache", "flush", err)
	}
	return results, nil
}

// ProcessEvent evaluates one event through the table. The branches run in
// table order; every path lands on exactly one status.
func (en *Engine) ProcessEvent(ctx context.Context, e event.CalendarEvent) EventResult {
	res := EventResult{EventID: e.ID, ProcessedAt: en.now()}
	log := en.log.WithEventID(e.ID)

	if en.processed.IsProcessed(e) {
		log.CacheSkip("processed", e.ID, "already_dispatched")
		res.Status = StatusSkippedProcessed
		return res
	}

	if decision, skip := en.negative.ShouldSkip(e, en.ruleHash); skip {
		log.CacheSkip("negative", e.ID, decision)
		res.Status = StatusSkippedNegative
		return res
	}

	if req, ok := en.pendingReview(e); ok {
		log.Info("review still pending, skipping re-evaluation",
			"audit_id", req.AuditID, "reason", string(req.Reason))
		res.Status = StatusReviewPending
		res.AuditID = req.AuditID
		res.TriggerType = req.Context.TriggerType
		return res
	}

	tr := en.detector.Detect(e)
	res.TriggerType = string(tr.Type)
	res.MatchedWord = tr.MatchedWord

	if !tr.Triggered() {
		en.negative.Record(e, en.ruleHash, cache.DecisionNoTrigger)
		res.Status = StatusNoTrigger
		return res
	}
	if en.threshold > 0 && tr.Confidence < en.threshold {
		log.Info("trigger below confidence threshold",
			"confidence", tr.Confidence, "threshold", en.threshold, "word", tr.MatchedWord)
		en.negative.Record(e, en.ruleHash, cache.DecisionTriggerThreshold)
		res.Status = StatusSkippedThreshold
		return res
	}

	// The event triggers under the current rules, so any negative entry left
	// from an earlier rule set no longer applies.
	en.negative.Forget(e.ID)

	info := en.extractor.Extract(e)

	switch {
	case tr.Type == trigger.TypeHard && info.Complete():
		en.decideHard(ctx, e, info, &res, false)
	case tr.Type == trigger.TypeHard:
		en.requestMissingInfo(ctx, e, info, &res, false)
	default: // soft, complete or not: confirmation comes first either way
		en.requestSoftConfirmation(ctx, e, info, &res)
	}
	return res
}

// pendingReview reports whether the event, with its current payload, already
// has an unresolved review request. Repeated polls must not re-ask the human;
// a changed fingerprint means the event itself changed and re-enters the
// table.
func (en *Engine) pendingReview(e event.CalendarEvent) (hitl.Request, bool) {
	req, ok, err := en.hitl.PendingForEvent(e.ID)
	if err != nil {
		en.log.StoreError("hitl_requests", "pending_for_event", err)
		return hitl.Request{}, false
	}
	if !ok || req.Fingerprint != event.Fingerprint(e) {
		return hitl.Request{}, false
	}
	return req, true
}

// decideHard is the hard-trigger branch with complete data: CRM lookup, then
// either force-dossier dispatch or an attachments review.
func (en *Engine) decideHard(ctx context.Context, e event.CalendarEvent, info event.ExtractedInfo, res *EventResult, converted bool) {
	res.ConvertedFromSoft = converted

	lookup, err := en.crm.Lookup(ctx, info.CompanyDomain)
	if err != nil {
		// Conservative default: treat as unknown company and force the
		// dossier rather than trusting a failed lookup.
		en.log.Warn("crm lookup failed, assuming company not in crm",
			"event_id", e.ID, "domain", info.CompanyDomain, "kind", apperr.GetKind(err).String(), "error", err)
		lookup = LookupResult{}
	}

	if !lookup.CompanyInCRM || !lookup.AttachmentsInCRM {
		en.dispatch(ctx, e, info, res, true)
		return
	}

	req := hitl.Request{
		RunID:       en.runID,
		EventID:     e.ID,
		Fingerprint: event.Fingerprint(e),
		Reason:      hitl.ReasonAttachmentsReview,
		Contact:     e.OrganizerEmail(),
		Subject:     "Attachments already on file: " + e.Summary,
		Context:     hitl.Context{
			TriggerType:       string(trigger.TypeHard),
			CompanyInCRM:      true,
			AttachmentsInCRM:  true,
			AttachmentCount:   lookup.AttachmentCount,
			CompanyName:       info.CompanyName,
			CompanyDomain:     info.CompanyDomain,
			ConvertedFromSoft: converted,
		},
	}
	created, err := en.hitl.CreateRequest(ctx, req)
	if err != nil {
		en.recordChannelFailure(res, created.AuditID, err, StatusChannelUnavailable)
		return
	}
	res.AuditID = created.AuditID
	res.Status = StatusAttachmentsPending
}

func (en *Engine) requestMissingInfo(ctx context.Context, e event.CalendarEvent, info event.ExtractedInfo, res *EventResult, converted bool) {
	res.ConvertedFromSoft = converted

	req := hitl.Request{
		RunID:       en.runID,
		EventID:     e.ID,
		Fingerprint: event.Fingerprint(e),
		Reason:      hitl.ReasonMissingInfo,
		Contact:     e.OrganizerEmail(),
		Subject:     "Missing company details: " + e.Summary,
		Context:     hitl.Context{
			TriggerType:       string(trigger.TypeHard),
			CompanyName:       info.CompanyName,
			CompanyDomain:     info.CompanyDomain,
			RequestedFields:   info.MissingFields(),
			ConvertedFromSoft: converted,
		},
	}
	created, err := en.hitl.CreateRequest(ctx, req)
	if err != nil {
		en.recordChannelFailure(res, created.AuditID, err, StatusChannelUnavailable)
		return
	}
	res.AuditID = created.AuditID
	res.Status = StatusMissingInfoPending
}

func (en *Engine) requestSoftConfirmation(ctx context.Context, e event.CalendarEvent, info event.ExtractedInfo, res *EventResult) {
	req := hitl.Request{
		RunID:       en.runID,
		EventID:     e.ID,
		Fingerprint: event.Fingerprint(e),
		Reason:      hitl.ReasonSoftConfirmation,
		Contact:     e.OrganizerEmail(),
		Subject:     "Confirm dossier for: " + e.Summary,
		Context:     hitl.Context{
			TriggerType:   string(trigger.TypeSoft),
			CompanyName:   info.CompanyName,
			CompanyDomain: info.CompanyDomain,
		},
	}
	created, err := en.hitl.CreateRequest(ctx, req)
	if err != nil {
		en.recordChannelFailure(res, created.AuditID, err, StatusDossierUnavailable)
		return
	}
	res.AuditID = created.AuditID
	res.Status = StatusDossierPending
}

// dispatch is the single path to the CRM. Every branch that sends funnels
// through here so the processed-event cache is never bypassed.
func (en *Engine) dispatch(ctx context.Context, e event.CalendarEvent, info event.ExtractedInfo, res *EventResult, requiresDossier bool) {
	if en.processed.IsProcessed(e) {
		en.log.CacheSkip("processed", e.ID, "already_dispatched")
		res.Status = StatusSkippedProcessed
		return
	}

	if requiresDossier && en.dossier != nil {
		artifact, err := en.dossier.Generate(ctx, info.CompanyName, info.CompanyDomain, en.runID)
		if err != nil {
			// Research is advisory; a failed dossier never blocks the
			// dispatch itself.
			en.log.Warn("dossier generation failed", "event_id", e.ID, "company", info.CompanyName, "error", err)
		} else {
			res.ArtifactPath = artifact
		}
	}

	payload := map[string]string{
		"company_name":   info.CompanyName,
		"company_domain": info.CompanyDomain,
		"event_summary":  e.Summary,
		"organizer":      e.OrganizerEmail(),
	}
	if res.ArtifactPath != "" {
		payload["dossier_artifact"] = res.ArtifactPath
	}
	if res.ConvertedFromSoft {
		payload["converted_from_soft"] = strconv.FormatBool(true)
	}

	dispatched, err := en.dispatcher.Send(ctx, e, payload)
	if err != nil || !dispatched {
		en.log.CRMDispatch(e.ID, false, err)
		res.Status = StatusDispatchFailed
		if err != nil {
			res.Error = err.Error()
		}
		return
	}

	en.processed.MarkProcessed(e)
	if err := en.processed.Flush(); err != nil {
		en.log.StoreError("processed_cache", "flush", err)
	}
	en.log.CRMDispatch(e.ID, true, nil)
	res.CRMDispatched = true
	res.Status = StatusDispatched
}

func (en *Engine) recordChannelFailure(res *EventResult, auditID string, err error, status Status) {
	res.AuditID = auditID
	res.Error = err.Error()
	if apperr.Is(err, apperr.KindBackendUnavailable) {
		res.Status = status
		return
	}
	res.Status = StatusChannelUnavailable
	en.log.Error("hitl request creation failed", "event_id", res.EventID, "error", err)
}

// HandleOutcome routes a resolved review back into the table based on why
// the review was requested.
func (en *Engine) HandleOutcome(ctx context.Context, req hitl.Request, outcome hitl.Outcome) (EventResult, error) {
	switch req.Reason {
	case hitl.ReasonMissingInfo:
		return en.ContinueAfterMissingInfo(ctx, req, outcome)
	case hitl.ReasonSoftConfirmation:
		return en.ContinueAfterDossierDecision(ctx, req, outcome)
	case hitl.ReasonAttachmentsReview:
		return en.ContinueAfterAttachmentsReview(ctx, req, outcome)
	default:
		return EventResult{}, apperr.Internal(fmt.Sprintf("unknown review reason %q", req.Reason))
	}
}

// ContinueAfterMissingInfo merges the supplied fields and re-enters the hard
// branch when the data is now complete.
func (en *Engine) ContinueAfterMissingInfo(ctx context.Context, req hitl.Request, outcome hitl.Outcome) (EventResult, error) {
	res := EventResult{
		EventID:           req.EventID,
		AuditID:           req.AuditID,
		TriggerType:       req.Context.TriggerType,
		ConvertedFromSoft: req.Context.ConvertedFromSoft,
		ProcessedAt:       en.now(),
	}

	if outcome.Status == hitl.StatusTimeout {
		res.Status = StatusTimedOut
		return res, nil
	}
	if outcome.Status != hitl.StatusApproved {
		res.Status = StatusMissingInfoFailed
		return res, nil
	}

	info := event.ExtractedInfo{
		CompanyName:   req.Context.CompanyName,
		CompanyDomain: req.Context.CompanyDomain,
	}
	if v := outcome.Fields["company_name"]; v != "" {
		info.CompanyName = v
	}
	if v := outcome.Fields["company_domain"]; v != "" {
		info.CompanyDomain = v
	}
	if !info.Complete() {
		en.log.Warn("required info still missing after review", "audit_id", req.AuditID, "event_id", req.EventID)
		res.Status = StatusMissingInfoFailed
		return res, nil
	}

	e, err := en.source.Get(ctx, req.EventID)
	if err != nil {
		return res, err
	}
	en.decideHard(ctx, e, info, &res, req.Context.ConvertedFromSoft)
	return res, nil
}

// ContinueAfterDossierDecision handles the soft-trigger confirmation reply:
// approval converts the event to a hard trigger, decline terminates.
func (en *Engine) ContinueAfterDossierDecision(ctx context.Context, req hitl.Request, outcome hitl.Outcome) (EventResult, error) {
	res := EventResult{
		EventID:     req.EventID,
		AuditID:     req.AuditID,
		TriggerType: req.Context.TriggerType,
		ProcessedAt: en.now(),
	}

	switch outcome.Status {
	case hitl.StatusTimeout:
		res.Status = StatusTimedOut
		return res, nil
	case hitl.StatusApproved:
	default:
		res.Status = StatusDossierDeclined
		return res, nil
	}

	info := event.ExtractedInfo{
		CompanyName:   req.Context.CompanyName,
		CompanyDomain: req.Context.CompanyDomain,
	}
	e, err := en.source.Get(ctx, req.EventID)
	if err != nil {
		return res, err
	}

	if !info.Complete() {
		en.requestMissingInfo(ctx, e, info, &res, true)
		return res, nil
	}
	en.decideHard(ctx, e, info, &res, true)
	return res, nil
}

// ContinueAfterAttachmentsReview finishes the hard/in-CRM branch: approval
// dispatches with a fresh dossier, decline terminates without touching the
// CRM.
func (en *Engine) ContinueAfterAttachmentsReview(ctx context.Context, req hitl.Request, outcome hitl.Outcome) (EventResult, error) {
	res := EventResult{
		EventID:           req.EventID,
		AuditID:           req.AuditID,
		TriggerType:       req.Context.TriggerType,
		ConvertedFromSoft: req.Context.ConvertedFromSoft,
		ProcessedAt:       en.now(),
	}

	switch outcome.Status {
	case hitl.StatusTimeout:
		res.Status = StatusTimedOut
		return res, nil
	case hitl.StatusApproved:
	default:
		res.Status = StatusAttachmentsDeclined
		return res, nil
	}

	e, err := en.source.Get(ctx, req.EventID)
	if err != nil {
		return res, err
	}
	info := event.ExtractedInfo{
		CompanyName:   req.Context.CompanyName,
		CompanyDomain: req.Context.CompanyDomain,
	}
	en.dispatch(ctx, e, info, &res, true)
	return res, nil
}
