// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// StateConfig provides paths for the persisted stores.
type StateConfig interface {
	GetStateDir() string
	GetRunLogDir() string
}

// DatabaseConfig provides the optional Postgres mirror settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// SMTPConfig provides settings for the outbound notification channel.
type SMTPConfig interface {
	GetEmailEnabled() bool
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetNotifyRatePerMinute() int
}

// IMAPConfig provides settings for the reply inbox poller.
type IMAPConfig interface {
	GetIMAPEnabled() bool
	GetIMAPHost() string
	GetIMAPPort() int
	GetIMAPUsername() string
	GetIMAPPassword() string
	GetIMAPFolder() string
	GetInboxPollInterval() time.Duration
}

// EventSourceConfig provides the calendar event feed location.
type EventSourceConfig interface {
	GetEventsPath() string
	GetEventPollInterval() time.Duration
}

// ScheduleConfig provides the business-time reminder cadence.
type ScheduleConfig interface {
	GetBusinessTimezone() string
	GetFirstDeadlineTime() string
	GetFirstReminderTime() string
	GetSecondDeadlineTime() string
	GetEscalationTime() string
	GetAdminReminderInterval() time.Duration
	GetPendingTimeout() time.Duration
	GetAdminEmail() string
}

// CRMConfig provides settings for the CRM integration.
type CRMConfig interface {
	GetCRMBaseURL() string
	GetCRMAPIKey() string
	GetCRMTimeout() time.Duration
}

// TriggerConfig provides trigger detection settings.
type TriggerConfig interface {
	GetTriggerRulesPath() string
	GetTriggerConfidenceThreshold() float64
}

// ResearchConfig provides settings for dossier research generation.
type ResearchConfig interface {
	GetGeminiAPIKey() string
	GetResearchModel() string
	GetArtifactDir() string
	IsResearchEnabled() bool
}

// OpsConfig provides settings for the operator HTTP surface.
type OpsConfig interface {
	GetOpsAddr() string
	GetOpsEnabled() bool
}

// Config holds all application configuration.
type Config struct {
	Env string

	StateDir  string
	RunLogDir string

	DatabaseURL string

	EmailEnabled        bool
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	EmailFromName       string
	EmailFromAddress    string
	NotifyRatePerMinute int

	IMAPEnabled       bool
	IMAPHost          string
	IMAPPort          int
	IMAPUsername      string
	IMAPPassword      string
	IMAPFolder        string
	InboxPollInterval time.Duration

	BusinessTimezone      string
	FirstDeadlineTime     string
	FirstReminderTime     string
	SecondDeadlineTime    string
	EscalationTime        string
	AdminReminderInterval time.Duration
	PendingTimeout        time.Duration
	AdminEmail            string

	CRMBaseURL string
	CRMAPIKey  string
	CRMTimeout time.Duration

	TriggerRulesPath           string
	TriggerConfidenceThreshold float64

	GeminiAPIKey  string
	ResearchModel string
	ArtifactDir   string

	OpsAddr    string
	OpsEnabled bool

	EventsPath        string
	EventPollInterval time.Duration
	ShutdownGrace     time.Duration
}

// Load reads configuration from the environment, with .env support.
func Load() (*Config, error) {
	loadDotEnv()

	smtpHost := getEnv("SMTP_HOST", "")
	emailEnabled := strings.EqualFold(getEnv("EMAIL_ENABLED", "true"), "true")

	cfg := &Config{
		Env: getEnv("APP_ENV", "development"),

		StateDir:  getEnv("STATE_DIR", "var/state"),
		RunLogDir: getEnv("RUN_LOG_DIR", "var/runs"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		EmailEnabled:        emailEnabled && smtpHost != "",
		SMTPHost:            smtpHost,
		SMTPPort:            mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:        getEnv("SMTP_USERNAME", ""),
		SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
		EmailFromName:       getEnv("EMAIL_FROM_NAME", "Dealflow"),
		EmailFromAddress:    getEnv("EMAIL_FROM_ADDRESS", ""),
		NotifyRatePerMinute: mustInt(getEnv("NOTIFY_RATE_PER_MINUTE", "30")),

		IMAPEnabled:       strings.EqualFold(getEnv("IMAP_ENABLED", "true"), "true") && getEnv("IMAP_HOST", "") != "",
		IMAPHost:          getEnv("IMAP_HOST", ""),
		IMAPPort:          mustInt(getEnv("IMAP_PORT", "993")),
		IMAPUsername:      getEnv("IMAP_USERNAME", ""),
		IMAPPassword:      getEnv("IMAP_PASSWORD", ""),
		IMAPFolder:        getEnv("IMAP_FOLDER", "INBOX"),
		InboxPollInterval: mustDuration(getEnv("INBOX_POLL_INTERVAL", "30s")),

		BusinessTimezone:      getEnv("BUSINESS_TIMEZONE", "Europe/Berlin"),
		FirstDeadlineTime:     getEnv("HITL_FIRST_DEADLINE", "10:00"),
		FirstReminderTime:     getEnv("HITL_FIRST_REMINDER", "10:01"),
		SecondDeadlineTime:    getEnv("HITL_SECOND_DEADLINE", "14:00"),
		EscalationTime:        getEnv("HITL_ESCALATION", "14:01"),
		AdminReminderInterval: mustDuration(getEnv("HITL_ADMIN_REMINDER_INTERVAL", "24h")),
		PendingTimeout:        mustDuration(getEnv("HITL_PENDING_TIMEOUT", "0s")),
		AdminEmail:            getEnv("HITL_ADMIN_EMAIL", ""),

		CRMBaseURL: getEnv("CRM_BASE_URL", ""),
		CRMAPIKey:  getEnv("CRM_API_KEY", ""),
		CRMTimeout: mustDuration(getEnv("CRM_TIMEOUT", "15s")),

		TriggerRulesPath:           getEnv("TRIGGER_RULES_PATH", "config/trigger_rules.yaml"),
		TriggerConfidenceThreshold: mustFloat(getEnv("TRIGGER_CONFIDENCE_THRESHOLD", "0")),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		ResearchModel: getEnv("RESEARCH_MODEL", "gemini-2.0-flash"),
		ArtifactDir:   getEnv("ARTIFACT_DIR", "var/artifacts"),

		OpsAddr:    getEnv("OPS_ADDR", "127.0.0.1:8090"),
		OpsEnabled: strings.EqualFold(getEnv("OPS_ENABLED", "true"), "true"),

		EventsPath:        getEnv("EVENTS_PATH", "var/events.json"),
		EventPollInterval: mustDuration(getEnv("EVENT_POLL_INTERVAL", "5m")),
		ShutdownGrace:     mustDuration(getEnv("SHUTDOWN_GRACE", "10s")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	for name, value := range map[string]string{
		"HITL_FIRST_DEADLINE":  c.FirstDeadlineTime,
		"HITL_FIRST_REMINDER":  c.FirstReminderTime,
		"HITL_SECOND_DEADLINE": c.SecondDeadlineTime,
		"HITL_ESCALATION":      c.EscalationTime,
	} {
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	if c.AdminReminderInterval <= 0 {
		return fmt.Errorf("HITL_ADMIN_REMINDER_INTERVAL must be positive")
	}
	return nil
}

// Interface implementations.

func (c *Config) GetStateDir() string  { return c.StateDir }
func (c *Config) GetRunLogDir() string { return c.RunLogDir }

func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetNotifyRatePerMinute() int { return c.NotifyRatePerMinute }

func (c *Config) GetIMAPEnabled() bool                { return c.IMAPEnabled }
func (c *Config) GetIMAPHost() string                 { return c.IMAPHost }
func (c *Config) GetIMAPPort() int                    { return c.IMAPPort }
func (c *Config) GetIMAPUsername() string             { return c.IMAPUsername }
func (c *Config) GetIMAPPassword() string             { return c.IMAPPassword }
func (c *Config) GetIMAPFolder() string               { return c.IMAPFolder }
func (c *Config) GetInboxPollInterval() time.Duration { return c.InboxPollInterval }

func (c *Config) GetBusinessTimezone() string             { return c.BusinessTimezone }
func (c *Config) GetFirstDeadlineTime() string            { return c.FirstDeadlineTime }
func (c *Config) GetFirstReminderTime() string            { return c.FirstReminderTime }
func (c *Config) GetSecondDeadlineTime() string           { return c.SecondDeadlineTime }
func (c *Config) GetEscalationTime() string               { return c.EscalationTime }
func (c *Config) GetAdminReminderInterval() time.Duration { return c.AdminReminderInterval }
func (c *Config) GetPendingTimeout() time.Duration        { return c.PendingTimeout }
func (c *Config) GetAdminEmail() string                   { return c.AdminEmail }

func (c *Config) GetCRMBaseURL() string        { return c.CRMBaseURL }
func (c *Config) GetCRMAPIKey() string         { return c.CRMAPIKey }
func (c *Config) GetCRMTimeout() time.Duration { return c.CRMTimeout }

func (c *Config) GetTriggerRulesPath() string            { return c.TriggerRulesPath }
func (c *Config) GetTriggerConfidenceThreshold() float64 { return c.TriggerConfidenceThreshold }

func (c *Config) GetGeminiAPIKey() string  { return c.GeminiAPIKey }
func (c *Config) GetResearchModel() string { return c.ResearchModel }
func (c *Config) GetArtifactDir() string   { return c.ArtifactDir }
func (c *Config) IsResearchEnabled() bool  { return c.GeminiAPIKey != "" }

func (c *Config) GetEventsPath() string               { return c.EventsPath }
func (c *Config) GetEventPollInterval() time.Duration { return c.EventPollInterval }

func (c *Config) GetOpsAddr() string  { return c.OpsAddr }
func (c *Config) GetOpsEnabled() bool { return c.OpsEnabled }

// Helpers.

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func mustInt(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func mustFloat(value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
