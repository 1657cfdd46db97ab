// Package businesstime computes the reminder and escalation timestamps for
// pending human-review requests against a working-week calendar. Everything
// in here is a pure calculation over an injected "now"; the package never
// reads the wall clock itself.
package businesstime

import (
	"fmt"
	"time"

	"dealflow_backend/platform/config"
)

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "15:04" formatted times.
func ParseClockTime(value string) (ClockTime, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return ClockTime{}, fmt.Errorf("parse clock time %q: %w", value, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Policy holds the business-time cadence. The values are configuration, not
// hard-coded business rules.
type Policy struct {
	Location              *time.Location
	FirstDeadline         ClockTime
	FirstReminder         ClockTime
	SecondDeadline        ClockTime
	Escalation            ClockTime
	AdminReminderInterval time.Duration
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg config.ScheduleConfig) (Policy, error) {
	loc, err := time.LoadLocation(cfg.GetBusinessTimezone())
	if err != nil {
		return Policy{}, fmt.Errorf("load business timezone: %w", err)
	}

	p := Policy{Location: loc, AdminReminderInterval: cfg.GetAdminReminderInterval()}
	for _, field := range []struct {
		value  string
		target *ClockTime
	}{
		{cfg.GetFirstDeadlineTime(), &p.FirstDeadline},
		{cfg.GetFirstReminderTime(), &p.FirstReminder},
		{cfg.GetSecondDeadlineTime(), &p.SecondDeadline},
		{cfg.GetEscalationTime(), &p.Escalation},
	} {
		ct, err := ParseClockTime(field.value)
		if err != nil {
			return Policy{}, err
		}
		*field.target = ct
	}
	return p, nil
}

// Schedule holds the computed timestamps for one pending request.
type Schedule struct {
	FirstDeadline         time.Time     `json:"first_deadline"`
	FirstReminder         time.Time     `json:"first_reminder"`
	SecondDeadline        time.Time     `json:"second_deadline"`
	Escalation            time.Time     `json:"escalation"`
	AdminReminderInterval time.Duration `json:"admin_reminder_interval"`
}

// NextBusinessDay returns ts itself when it falls on a weekday, otherwise the
// following Monday at the same time of day.
func (p Policy) NextBusinessDay(ts time.Time) time.Time {
	ts = ts.In(p.Location)
	switch ts.Weekday() {
	case time.Saturday:
		return ts.AddDate(0, 0, 2)
	case time.Sunday:
		return ts.AddDate(0, 0, 1)
	default:
		return ts
	}
}

// AtTime returns ts moved to the given time of day, same calendar day.
func (p Policy) AtTime(ts time.Time, ct ClockTime) time.Time {
	ts = ts.In(p.Location)
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ct.Hour, ct.Minute, 0, 0, p.Location)
}

// Compute derives the full reminder schedule for a request created at now.
// Requests created before the first-deadline time on a weekday are due the
// same day; everything else is due the next business day.
func (p Policy) Compute(now time.Time) Schedule {
	now = now.In(p.Location)

	due := p.NextBusinessDay(now.AddDate(0, 0, 1))
	if isWeekday(now) && beforeClock(now, p.FirstDeadline) {
		due = now
	}

	return Schedule{
		FirstDeadline:         p.AtTime(due, p.FirstDeadline),
		FirstReminder:         p.AtTime(due, p.FirstReminder),
		SecondDeadline:        p.AtTime(due, p.SecondDeadline),
		Escalation:            p.AtTime(due, p.Escalation),
		AdminReminderInterval: p.AdminReminderInterval,
	}
}

func isWeekday(ts time.Time) bool {
	wd := ts.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func beforeClock(ts time.Time, ct ClockTime) bool {
	return ts.Hour() < ct.Hour || (ts.Hour() == ct.Hour && ts.Minute() < ct.Minute)
}
