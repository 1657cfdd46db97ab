// Package email delivers review notifications over SMTP and renders the
// reply-correlation markers the inbox poller matches on.
package email

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"dealflow_backend/internal/hitl"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/config"
	"dealflow_backend/platform/logger"
)

const (
	headerAuditID = "X-Audit-ID"
	headerRunID   = "X-Run-ID"
)

// Notifier implements hitl.Notifier over SMTP. Every outgoing message carries
// the audit id both as a header and as an [audit:<id>] subject tag so replies
// can be correlated even when mail clients strip custom headers.
type Notifier struct {
	host       string
	port       int
	username   string
	password   string
	fromName   string
	fromEmail  string
	adminEmail string
	limiter    *rate.Limiter
	log        *logger.Logger
}

func NewNotifier(cfg config.SMTPConfig, adminEmail string, log *logger.Logger) *Notifier {
	perMinute := cfg.GetNotifyRatePerMinute()
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Notifier{
		host:       cfg.GetSMTPHost(),
		port:       cfg.GetSMTPPort(),
		username:   cfg.GetSMTPUsername(),
		password:   cfg.GetSMTPPassword(),
		fromName:   cfg.GetEmailFromName(),
		fromEmail:  cfg.GetEmailFromAddress(),
		adminEmail: adminEmail,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		log:        log,
	}
}

func (n *Notifier) SendRequest(ctx context.Context, req hitl.Request) (string, error) {
	data := requestEmailData{
		baseEmailData: baseEmailData{
			Title:   "Review required",
			Heading: "Review required",
		},
		Reason:          reasonLabel(req.Reason),
		EventSummary:    req.Subject,
		CompanyName:     req.Context.CompanyName,
		CompanyDomain:   req.Context.CompanyDomain,
		RequestedFields: req.Context.RequestedFields,
		AuditID:         req.AuditID,
		ReplyHint:       replyHint(req.Reason),
	}
	content, err := renderEmailTemplate("request.html", data)
	if err != nil {
		return "", err
	}

	to := req.Contact
	if to == "" {
		to = n.adminEmail
	}
	if to == "" {
		return "", apperr.BackendUnavailable("no recipient for review request")
	}
	subject := fmt.Sprintf(subjectRequestFmt, req.Subject)
	if err := n.send(ctx, to, subject, content, req); err != nil {
		return "", err
	}
	return content, nil
}

func (n *Notifier) SendReminder(ctx context.Context, req hitl.Request) error {
	data := reminderEmailData{
		baseEmailData: baseEmailData{
			Title:   "Reminder",
			Heading: "Your reply is still needed",
		},
		EventSummary: req.Subject,
		AuditID:      req.AuditID,
		CreatedAt:    req.CreatedAt.Format("Mon, 2 Jan 2006 15:04"),
	}
	if req.Context.Schedule != nil {
		data.Deadline = req.Context.Schedule.SecondDeadline.Format("Mon, 2 Jan 2006 15:04")
	}
	content, err := renderEmailTemplate("reminder.html", data)
	if err != nil {
		return err
	}
	return n.send(ctx, req.Contact, fmt.Sprintf(subjectReminderFmt, req.Subject), content, req)
}

func (n *Notifier) SendEscalation(ctx context.Context, req hitl.Request) error {
	if n.adminEmail == "" {
		return apperr.BackendUnavailable("no admin contact configured for escalation")
	}
	content, err := n.renderEscalation(req, "Unanswered review escalated")
	if err != nil {
		return err
	}
	return n.send(ctx, n.adminEmail, fmt.Sprintf(subjectEscalationFmt, req.Subject), content, req)
}

func (n *Notifier) SendAdminReminder(ctx context.Context, req hitl.Request) error {
	if n.adminEmail == "" {
		return apperr.BackendUnavailable("no admin contact configured")
	}
	content, err := n.renderEscalation(req, "Review still unresolved")
	if err != nil {
		return err
	}
	return n.send(ctx, n.adminEmail, fmt.Sprintf(subjectAdminReminderFmt, req.Subject), content, req)
}

func (n *Notifier) renderEscalation(req hitl.Request, heading string) (string, error) {
	return renderEmailTemplate("escalation.html", escalationEmailData{
		baseEmailData: baseEmailData{
			Title:   heading,
			Heading: heading,
		},
		EventSummary:  req.Subject,
		AuditID:       req.AuditID,
		Contact:       req.Contact,
		CreatedAt:     req.CreatedAt.Format("Mon, 2 Jan 2006 15:04"),
		RemindersSent: req.RemindersSent,
	})
}

func (n *Notifier) send(ctx context.Context, toEmail, subject, htmlContent string, req hitl.Request) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := gomail.NewMsg()
	if err := msg.FromFormat(n.fromName, n.fromEmail); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(toEmail); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subjectWithTag(subject, req.AuditID))
	msg.SetGenHeader(gomail.Header(headerAuditID), req.AuditID)
	if req.RunID != "" {
		msg.SetGenHeader(gomail.Header(headerRunID), req.RunID)
	}
	msg.SetBodyString(gomail.TypeTextHTML, htmlContent)

	client, err := gomail.NewClient(n.host,
		gomail.WithPort(n.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(n.username),
		gomail.WithPassword(n.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return apperr.Transient("smtp send failed", err)
	}
	return nil
}

// subjectWithTag appends the correlation tag unless the subject already
// carries one (reminders reuse the request subject).
func subjectWithTag(subject, auditID string) string {
	tag := "[audit:" + auditID + "]"
	if strings.Contains(subject, tag) {
		return subject
	}
	return subject + " " + tag
}

func reasonLabel(r hitl.Reason) string {
	switch r {
	case hitl.ReasonAttachmentsReview:
		return "Company and attachments already exist in the CRM"
	case hitl.ReasonSoftConfirmation:
		return "Possible sales opportunity, dossier needs confirmation"
	case hitl.ReasonMissingInfo:
		return "Required company details are missing"
	default:
		return string(r)
	}
}

func replyHint(r hitl.Reason) string {
	switch r {
	case hitl.ReasonMissingInfo:
		return "Reply with the missing details, one per line."
	default:
		return "Reply with approve or decline."
	}
}
