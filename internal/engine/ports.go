package engine

import (
	"context"

	"dealflow_backend/internal/event"
)

// LookupResult is what the CRM reports for a company domain.
type LookupResult struct {
	CompanyInCRM     bool
	AttachmentsInCRM bool
	AttachmentCount  int
	CompanyName      string
}

// CRMLookup resolves whether a company and its attachments already exist in
// the CRM. Failures must be distinguishable by error kind; the engine treats
// every failure conservatively as company-not-in-CRM.
type CRMLookup interface {
	Lookup(ctx context.Context, domain string) (LookupResult, error)
}

// CRMDispatcher performs the terminal side effect. Only the engine's single
// dispatch path may call it, after the processed-event cache check.
type CRMDispatcher interface {
	Send(ctx context.Context, e event.CalendarEvent, payload map[string]string) (bool, error)
}

// DossierGenerator produces a research artifact for a company and returns
// its path.
type DossierGenerator interface {
	Generate(ctx context.Context, companyName, companyDomain, runID string) (string, error)
}

// Extractor pulls structured company info out of a calendar event.
type Extractor interface {
	Extract(e event.CalendarEvent) event.ExtractedInfo
}

// EventSource supplies the events for one processing run.
type EventSource interface {
	Events(ctx context.Context) ([]event.CalendarEvent, error)
	Get(ctx context.Context, eventID string) (event.CalendarEvent, error)
}
