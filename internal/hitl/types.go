// Package hitl owns the human-in-the-loop request lifecycle: persistence of
// pending requests, notification dispatch, business-time reminder scheduling,
// reply correlation, and idempotent application of human decisions.
package hitl

import (
	"time"

	"dealflow_backend/internal/businesstime"
)

// Reason categorizes why a human review was requested.
type Reason string

const (
	ReasonAttachmentsReview Reason = "attachments_review"
	ReasonSoftConfirmation  Reason = "soft_trigger_confirmation"
	ReasonMissingInfo       Reason = "missing_info"
)

// Status of a request. Pending is the only non-terminal status.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusDeclined        Status = "declined"
	StatusChangeRequested Status = "change_requested"
	StatusSkipped         Status = "skipped"
	StatusTimeout         Status = "timeout"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Context is the structured payload snapshot attached to a request so a
// continuation can resume without re-running the upstream pipeline.
type Context struct {
	TriggerType       string                 `json:"trigger_type,omitempty"`
	CompanyInCRM      bool                   `json:"company_in_crm"`
	AttachmentsInCRM  bool                   `json:"attachments_in_crm"`
	AttachmentCount   int                    `json:"attachment_count,omitempty"`
	CompanyName       string                 `json:"company_name,omitempty"`
	CompanyDomain     string                 `json:"company_domain,omitempty"`
	RequestedFields   []string               `json:"requested_fields,omitempty"`
	ConvertedFromSoft bool                   `json:"converted_from_soft,omitempty"`
	Schedule          *businesstime.Schedule `json:"schedule,omitempty"`
}

// Request is one human-review request. Created once, resolved at most once,
// never deleted; resolved requests stay on disk as part of the audit trail.
type Request struct {
	AuditID         string     `json:"audit_id"`
	RunID           string     `json:"run_id"`
	EventID         string     `json:"event_id"`
	Fingerprint     string     `json:"fingerprint,omitempty"`
	Reason          Reason     `json:"reason"`
	Status          Status     `json:"status"`
	Contact         string     `json:"contact,omitempty"`
	Subject         string     `json:"subject"`
	RenderedMessage string     `json:"rendered_message,omitempty"`
	Context         Context    `json:"context"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	RemindersSent   int        `json:"reminders_sent"`
	Escalated       bool       `json:"escalated"`
}

// ScheduleEntryKind identifies one reminder task in a request's cadence.
type ScheduleEntryKind string

const (
	EntryFirstReminder ScheduleEntryKind = "first_reminder"
	EntryEscalation    ScheduleEntryKind = "escalation"
	EntryAdminReminder ScheduleEntryKind = "admin_reminder"
	EntryTimeout       ScheduleEntryKind = "timeout"
)

// ScheduleEntry is one persisted reminder task. Cancellation is a flag, not
// removal, to keep the audit trail complete.
type ScheduleEntry struct {
	AuditID   string            `json:"audit_id"`
	Kind      ScheduleEntryKind `json:"kind"`
	FireAt    time.Time         `json:"fire_at"`
	Cancelled bool              `json:"cancelled"`
}

// Decision is a normalized human decision delivered by a reply channel.
type Decision struct {
	AuditID   string            `json:"audit_id"`
	Decision  Status            `json:"decision"`
	Responder string            `json:"responder"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Outcome is what ApplyDecision reports back to the caller driving the
// continuation.
type Outcome struct {
	AuditID   string            `json:"audit_id"`
	Status    Status            `json:"status"`
	Responder string            `json:"responder"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// InboundMessage is a raw reply as delivered by the inbox poller.
type InboundMessage struct {
	From    string
	Subject string
	Body    string
	Headers map[string]string
}

// Correlator turns an inbound message into a structured decision. It returns
// false for messages that carry no recognizable correlation token; the
// lifecycle manager logs those as unmatched rather than discarding silently.
type Correlator interface {
	Correlate(msg InboundMessage) (Decision, bool)
}
