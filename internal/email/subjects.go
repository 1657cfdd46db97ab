package email

const (
	subjectRequestFmt       = "Action required: %s"
	subjectReminderFmt      = "Reminder: %s"
	subjectEscalationFmt    = "Escalation: unanswered review for %s"
	subjectAdminReminderFmt = "Still open: review for %s"
)
