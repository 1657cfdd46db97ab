// Package crm is the HTTP adapter for the CRM collaborator: company lookup
// and the terminal event dispatch.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"dealflow_backend/internal/engine"
	"dealflow_backend/internal/event"
	"dealflow_backend/platform/apperr"
	"dealflow_backend/platform/config"
	"dealflow_backend/platform/logger"
)

// Client talks to the CRM REST API. Failure kinds are surfaced distinctly so
// the engine can log what went wrong while still resolving conservatively.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *logger.Logger
}

func NewClient(cfg config.CRMConfig, log *logger.Logger) *Client {
	timeout := cfg.GetCRMTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.GetCRMBaseURL(),
		apiKey:  cfg.GetCRMAPIKey(),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type lookupResponse struct {
	CompanyInCRM     bool   `json:"company_in_crm"`
	AttachmentsInCRM bool   `json:"attachments_in_crm"`
	AttachmentCount  int    `json:"attachment_count"`
	CompanyName      string `json:"company_name"`
}

// Lookup resolves a company domain. A 404 is a definitive "not in CRM", not
// an error.
func (c *Client) Lookup(ctx context.Context, domain string) (engine.LookupResult, error) {
	u := c.baseURL + "/companies/lookup?domain=" + url.QueryEscape(domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return engine.LookupResult{}, apperr.Internal("build crm lookup request: " + err.Error())
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.LookupResult{}, apperr.Transient("crm lookup transport error", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body lookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return engine.LookupResult{}, apperr.Transient("crm lookup response unreadable", err)
		}
		return engine.LookupResult{
			CompanyInCRM:     body.CompanyInCRM,
			AttachmentsInCRM: body.AttachmentsInCRM,
			AttachmentCount:  body.AttachmentCount,
			CompanyName:      body.CompanyName,
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		return engine.LookupResult{}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.LookupResult{}, apperr.Transient("crm rate limited", nil)
	case resp.StatusCode >= 500:
		return engine.LookupResult{}, apperr.Transient(fmt.Sprintf("crm lookup returned %d", resp.StatusCode), nil)
	default:
		return engine.LookupResult{}, apperr.Internal(fmt.Sprintf("crm lookup returned %d", resp.StatusCode))
	}
}

type dispatchRequest struct {
	EventID   string            `json:"event_id"`
	Summary   string            `json:"summary"`
	Organizer string            `json:"organizer"`
	StartsAt  time.Time         `json:"starts_at"`
	Payload   map[string]string `json:"payload"`
}

// Send pushes the event into the CRM. The event fingerprint doubles as an
// idempotency key so a crash between send and cache write cannot create a
// duplicate record server-side.
func (c *Client) Send(ctx context.Context, e event.CalendarEvent, payload map[string]string) (bool, error) {
	body, err := json.Marshal(dispatchRequest{
		EventID:   e.ID,
		Summary:   e.Summary,
		Organizer: e.OrganizerEmail(),
		StartsAt:  e.Start,
		Payload:   payload,
	})
	if err != nil {
		return false, apperr.Internal("encode crm dispatch: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events/dispatch", bytes.NewReader(body))
	if err != nil {
		return false, apperr.Internal("build crm dispatch request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.Fingerprint(e))
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, apperr.Transient("crm dispatch transport error", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, apperr.Transient("crm rate limited", nil)
	case resp.StatusCode >= 500:
		return false, apperr.Transient(fmt.Sprintf("crm dispatch returned %d", resp.StatusCode), nil)
	default:
		return false, apperr.Internal(fmt.Sprintf("crm dispatch returned %d", resp.StatusCode))
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
