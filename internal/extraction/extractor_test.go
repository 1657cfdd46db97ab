package extraction

import (
	"testing"

	"dealflow_backend/internal/event"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name       string
		event      event.CalendarEvent
		wantName   string
		wantDomain string
	}{
		{
			name: "domain in description",
			event: event.CalendarEvent{
				Summary:     "Contract kickoff",
				Description: "Counterparty: acme.example - align on terms",
			},
			wantName:   "Acme",
			wantDomain: "acme.example",
		},
		{
			name: "url with scheme and path",
			event: event.CalendarEvent{
				Description: "see https://www.initech.com/about for background",
			},
			wantName:   "Initech",
			wantDomain: "initech.com",
		},
		{
			name: "second level tld",
			event: event.CalendarEvent{
				Description: "hosted by globex.co.uk",
			},
			wantName:   "Globex",
			wantDomain: "globex.co.uk",
		},
		{
			name: "organizer email domain fallback",
			event: event.CalendarEvent{
				Summary:   "Onboarding session",
				Organizer: event.Attendee{Email: "jane@hooli.example"},
			},
			wantName:   "Hooli",
			wantDomain: "hooli.example",
		},
		{
			name: "freemail organizer skipped attendee wins",
			event: event.CalendarEvent{
				Summary:   "Intro call",
				Organizer: event.Attendee{Email: "someone@gmail.com"},
				Attendees: []event.Attendee{{Email: "cfo@vehement.example"}},
			},
			wantName:   "Vehement",
			wantDomain: "vehement.example",
		},
		{
			name: "company name from summary wording",
			event: event.CalendarEvent{
				Summary:   "Kickoff meeting with Vandelay Industries",
				Organizer: event.Attendee{Email: "host@gmail.com"},
			},
			wantName: "Vandelay Industries",
		},
		{
			name: "suffix word extends the name",
			event: event.CalendarEvent{
				Summary: "Review - Umbrella Group",
			},
			wantName: "Umbrella Group",
		},
		{
			name: "meeting vocabulary yields nothing",
			event: event.CalendarEvent{
				Summary: "Weekly Sync Call",
			},
		},
		{
			name:  "empty event",
			event: event.CalendarEvent{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := New().Extract(tc.event)
			if got.CompanyName != tc.wantName {
				t.Errorf("CompanyName = %q, want %q", got.CompanyName, tc.wantName)
			}
			if got.CompanyDomain != tc.wantDomain {
				t.Errorf("CompanyDomain = %q, want %q", got.CompanyDomain, tc.wantDomain)
			}
		})
	}
}

func TestExtractDomainBeatsAttendees(t *testing.T) {
	e := event.CalendarEvent{
		Summary:   "Contract signing acme.example",
		Organizer: event.Attendee{Email: "rep@otherfirm.example"},
	}
	got := New().Extract(e)
	if got.CompanyDomain != "acme.example" {
		t.Fatalf("CompanyDomain = %q, want text domain to win", got.CompanyDomain)
	}
}
