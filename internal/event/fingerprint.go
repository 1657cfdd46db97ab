package event

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Fingerprint returns a stable hash over the semantically significant fields
// of an event. Whitespace and casing differences do not change the hash;
// attendee order does not change the hash. Any meaningful edit does.
func Fingerprint(e CalendarEvent) string {
	segments := []string{
		strings.TrimSpace(e.ID),
		normalizeText(e.Summary),
		normalizeText(e.Description),
		normalizeText(e.Location),
		normalizeTime(e.Start),
		normalizeTime(e.End),
		normalizeText(e.Organizer.Email),
		attendeeSegment(e.Attendees),
	}

	sum := sha256.Sum256([]byte(strings.Join(segments, "|")))
	return hex.EncodeToString(sum[:])
}

func attendeeSegment(attendees []Attendee) string {
	emails := make([]string, 0, len(attendees))
	for _, a := range attendees {
		if email := normalizeText(a.Email); email != "" {
			emails = append(emails, email)
		}
	}
	sort.Strings(emails)
	return "[" + strings.Join(emails, ",") + "]"
}

func normalizeText(value string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), " ")
}

func normalizeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
