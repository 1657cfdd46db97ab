// Package inbox polls the reply mailbox and feeds new messages to the reply
// correlation path.
package inbox

import (
	"context"
	"strings"
	"time"

	imap "github.com/BrianLeishman/go-imap"

	"dealflow_backend/internal/hitl"
	"dealflow_backend/platform/config"
	"dealflow_backend/platform/logger"
)

// Handler receives each new inbound message exactly once per poll cycle.
type Handler func(ctx context.Context, msg hitl.InboundMessage)

// Poller connects to the IMAP mailbox on a fixed cadence, hands unseen
// messages to the handler, and marks them seen afterwards. A message whose
// handling panics or errors is still marked seen; the audit trail, not the
// mailbox, is the system of record.
type Poller struct {
	host     string
	port     int
	username string
	password string
	folder   string
	interval time.Duration
	handler  Handler
	log      *logger.Logger
}

func NewPoller(cfg config.IMAPConfig, handler Handler, log *logger.Logger) *Poller {
	folder := cfg.GetIMAPFolder()
	if folder == "" {
		folder = "INBOX"
	}
	interval := cfg.GetInboxPollInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		host:     cfg.GetIMAPHost(),
		port:     cfg.GetIMAPPort(),
		username: cfg.GetIMAPUsername(),
		password: cfg.GetIMAPPassword(),
		folder:   folder,
		interval: interval,
		handler:  handler,
		log:      log,
	}
}

// Run polls until the context is cancelled. Connection failures are logged
// and retried on the next tick rather than terminating the loop.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	im, err := imap.New(p.username, p.password, p.host, p.port)
	if err != nil {
		p.log.Warn("imap connect failed", "host", p.host, "error", err)
		return
	}
	defer im.Close()

	if err := im.SelectFolder(p.folder); err != nil {
		p.log.Warn("imap folder select failed", "folder", p.folder, "error", err)
		return
	}

	uids, err := im.GetUIDs("UNSEEN")
	if err != nil {
		p.log.Warn("imap uid search failed", "error", err)
		return
	}
	if len(uids) == 0 {
		return
	}

	emails, err := im.GetEmails(uids...)
	if err != nil {
		p.log.Warn("imap fetch failed", "count", len(uids), "error", err)
		return
	}

	for uid, em := range emails {
		if ctx.Err() != nil {
			return
		}
		p.handler(ctx, toInbound(em))
		if err := im.MarkSeen(uid); err != nil {
			p.log.Warn("imap mark seen failed", "uid", uid, "error", err)
		}
	}
	p.log.Info("inbox poll complete", "messages", len(emails))
}

// toInbound flattens an IMAP message into the correlation shape. The client
// does not expose raw headers, so correlation relies on the subject tag.
func toInbound(em *imap.Email) hitl.InboundMessage {
	return hitl.InboundMessage{
		From:    firstAddress(em.From),
		Subject: em.Subject,
		Body:    messageBody(em),
	}
}

func firstAddress(addrs imap.EmailAddresses) string {
	for addr := range addrs {
		return strings.ToLower(addr)
	}
	return ""
}

func messageBody(em *imap.Email) string {
	if strings.TrimSpace(em.Text) != "" {
		return em.Text
	}
	return em.HTML
}
