package hitl

import (
	"dealflow_backend/platform/logger"
)

// ReplyCorrelator matches inbound messages to open requests and turns the
// message body into a Decision. Messages without an audit token, or with a
// token that matches no known request, are dropped after logging.
type ReplyCorrelator struct {
	store RequestStore
	log   *logger.Logger
}

func NewReplyCorrelator(store RequestStore, log *logger.Logger) *ReplyCorrelator {
	return &ReplyCorrelator{store: store, log: log}
}

func (c *ReplyCorrelator) Correlate(msg InboundMessage) (Decision, bool) {
	auditID := ExtractAuditID(msg)
	if auditID == "" {
		c.log.Warn("inbound message without audit token", "from", msg.From, "subject", msg.Subject)
		return Decision{}, false
	}

	req, err := c.store.Get(auditID)
	if err != nil {
		c.log.Warn("inbound message for unknown request", "audit_id", auditID, "from", msg.From)
		return Decision{}, false
	}

	if req.Reason == ReasonMissingInfo {
		fields := ParseInfoFields(msg.Body)
		if len(fields) == 0 {
			c.log.Warn("missing-info reply carried no fields", "audit_id", auditID, "from", msg.From)
			return Decision{}, false
		}
		return Decision{
			AuditID:   auditID,
			Decision:  StatusApproved,
			Responder: msg.From,
			Fields:    fields,
		}, true
	}

	decision, fields, ok := ParseReply(msg.Body)
	if !ok {
		c.log.Warn("reply not recognized as a decision", "audit_id", auditID, "from", msg.From)
		return Decision{}, false
	}
	return Decision{
		AuditID:   auditID,
		Decision:  decision,
		Responder: msg.From,
		Fields:    fields,
	}, true
}
