package ops

import (
	"time"

	"dealflow_backend/internal/hitl"
)

// DecisionRequest is a manual decision submitted by an operator, the
// alternate channel to an email reply.
type DecisionRequest struct {
	Decision  string            `json:"decision" validate:"required,oneof=approved declined change_requested"`
	Responder string            `json:"responder" validate:"required,email"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// DecisionResponse reports what the decision did.
type DecisionResponse struct {
	AuditID string `json:"audit_id"`
	Status  string `json:"status"`
	Applied bool   `json:"applied"`
}

// ReviewSummary is the list shape for pending requests.
type ReviewSummary struct {
	AuditID       string     `json:"audit_id"`
	EventID       string     `json:"event_id"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	Contact       string     `json:"contact,omitempty"`
	Subject       string     `json:"subject"`
	CreatedAt     time.Time  `json:"created_at"`
	RemindersSent int        `json:"reminders_sent"`
	Escalated     bool       `json:"escalated"`
	FirstDeadline *time.Time `json:"first_deadline,omitempty"`
}

func toSummary(req hitl.Request) ReviewSummary {
	s := ReviewSummary{
		AuditID:       req.AuditID,
		EventID:       req.EventID,
		Reason:        string(req.Reason),
		Status:        string(req.Status),
		Contact:       req.Contact,
		Subject:       req.Subject,
		CreatedAt:     req.CreatedAt,
		RemindersSent: req.RemindersSent,
		Escalated:     req.Escalated,
	}
	if req.Context.Schedule != nil {
		deadline := req.Context.Schedule.FirstDeadline
		s.FirstDeadline = &deadline
	}
	return s
}
