// Package event defines the calendar event model consumed by the pipeline
// and the fingerprinting used for change detection.
package event

import (
	"strings"
	"time"
)

// Attendee is a meeting participant.
type Attendee struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// CalendarEvent is the normalized calendar event as delivered by the polling
// collaborator. Only the fields the decision pipeline cares about are kept.
type CalendarEvent struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Organizer   Attendee   `json:"organizer"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	Updated     time.Time  `json:"updated,omitempty"`
}

// OrganizerEmail returns the normalized organizer address, or "" when the
// event carries no usable contact.
func (e CalendarEvent) OrganizerEmail() string {
	return strings.ToLower(strings.TrimSpace(e.Organizer.Email))
}

// ExtractedInfo holds the company fields pulled out of an event by the
// extraction collaborator.
type ExtractedInfo struct {
	CompanyName   string `json:"company_name"`
	CompanyDomain string `json:"company_domain"`
}

// Complete reports whether both required research inputs are present.
func (i ExtractedInfo) Complete() bool {
	return strings.TrimSpace(i.CompanyName) != "" && strings.TrimSpace(i.CompanyDomain) != ""
}

// MissingFields names the required fields that are still empty.
func (i ExtractedInfo) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(i.CompanyName) == "" {
		missing = append(missing, "company_name")
	}
	if strings.TrimSpace(i.CompanyDomain) == "" {
		missing = append(missing, "company_domain")
	}
	return missing
}
