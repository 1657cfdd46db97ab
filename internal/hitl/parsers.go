package hitl

import (
	"regexp"
	"strings"
)

// Reply parsing for the email channel. Replies are free-form; the grammar is
// deliberately forgiving: a standalone approve/decline word wins, a line
// starting with "change" may carry KEY=VALUE pairs, and missing-info replies
// use "key: value" lines.

var (
	approveRe   = regexp.MustCompile(`(?i)\b(approve|approved|yes|yep|sure)\b`)
	declineRe   = regexp.MustCompile(`(?i)\b(decline|declined|no|nope|reject|rejected|disapprove|disapproved)\b`)
	changeRe    = regexp.MustCompile(`(?im)^change\b`)
	kvPairRe    = regexp.MustCompile(`(?i)([A-Z0-9_]+)\s*=\s*([^\s;,]+)`)
	auditTagRe  = regexp.MustCompile(`\[audit:([^\]]+)\]`)
	nonKeyRunRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// ParseReply extracts a decision and optional key/value payload from a reply
// body. It returns ok=false when the body carries no recognizable command.
func ParseReply(body string) (decision Status, fields map[string]string, ok bool) {
	text := strings.TrimSpace(body)
	if text == "" {
		return "", nil, false
	}

	if approveRe.MatchString(text) {
		return StatusApproved, nil, true
	}
	if declineRe.MatchString(text) {
		return StatusDeclined, nil, true
	}
	if changeRe.MatchString(text) {
		fields = make(map[string]string)
		for _, m := range kvPairRe.FindAllStringSubmatch(text, -1) {
			fields[strings.ToLower(m[1])] = m[2]
		}
		return StatusChangeRequested, fields, true
	}

	return "", nil, false
}

// ParseInfoFields extracts "key: value" lines from a missing-info reply.
// Keys are normalized to snake_case; empty values are dropped.
func ParseInfoFields(body string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		normalized := normalizeFieldKey(key)
		if normalized == "" {
			continue
		}
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			fields[normalized] = trimmed
		}
	}
	return fields
}

// ExtractAuditID finds the correlation token in a message: the X-Audit-ID
// header wins, then an [audit:<id>] tag in the subject.
func ExtractAuditID(msg InboundMessage) string {
	for key, value := range msg.Headers {
		if strings.EqualFold(key, "X-Audit-ID") {
			if id := strings.TrimSpace(value); id != "" {
				return id
			}
		}
	}
	if m := auditTagRe.FindStringSubmatch(msg.Subject); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func normalizeFieldKey(key string) string {
	cleaned := nonKeyRunRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(key)), "_")
	return strings.Trim(cleaned, "_")
}
