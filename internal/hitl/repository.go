package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow_backend/internal/audit"
	"dealflow_backend/platform/logger"
)

// Repository mirrors request state and audit entries into Postgres for
// reporting. The JSON file stores stay the source of truth; mirror writes are
// best effort and never block the lifecycle.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a mirror repository over an existing pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the mirror tables when they do not exist yet. Called
// once at startup.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS hitl_requests (
			audit_id       TEXT PRIMARY KEY,
			run_id         TEXT NOT NULL DEFAULT '',
			event_id       TEXT NOT NULL,
			reason         TEXT NOT NULL,
			status         TEXT NOT NULL,
			contact        TEXT NOT NULL DEFAULT '',
			subject        TEXT NOT NULL DEFAULT '',
			context        JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at     TIMESTAMPTZ NOT NULL,
			resolved_at    TIMESTAMPTZ,
			resolved_by    TEXT NOT NULL DEFAULT '',
			reminders_sent INT NOT NULL DEFAULT 0,
			escalated      BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS hitl_audit_entries (
			id           BIGSERIAL PRIMARY KEY,
			audit_id     TEXT NOT NULL,
			recorded_at  TIMESTAMPTZ NOT NULL,
			event_id     TEXT NOT NULL DEFAULT '',
			request_type TEXT NOT NULL,
			stage        TEXT NOT NULL,
			responder    TEXT NOT NULL DEFAULT '',
			outcome      TEXT NOT NULL DEFAULT '',
			payload      JSONB NOT NULL DEFAULT '{}'::jsonb
		);
		CREATE INDEX IF NOT EXISTS hitl_audit_entries_audit_id_idx
			ON hitl_audit_entries (audit_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure hitl mirror schema: %w", err)
	}
	return nil
}

// UpsertRequest writes the current request snapshot.
func (r *Repository) UpsertRequest(ctx context.Context, req Request) error {
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("encode request context: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO hitl_requests (
			audit_id, run_id, event_id, reason, status, contact, subject,
			context, created_at, resolved_at, resolved_by, reminders_sent,
			escalated, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (audit_id) DO UPDATE SET
			status         = EXCLUDED.status,
			context        = EXCLUDED.context,
			resolved_at    = EXCLUDED.resolved_at,
			resolved_by    = EXCLUDED.resolved_by,
			reminders_sent = EXCLUDED.reminders_sent,
			escalated      = EXCLUDED.escalated,
			updated_at     = now()
	`, req.AuditID, req.RunID, req.EventID, string(req.Reason), string(req.Status),
		req.Contact, req.Subject, contextJSON, req.CreatedAt, req.ResolvedAt,
		req.ResolvedBy, req.RemindersSent, req.Escalated)
	if err != nil {
		return fmt.Errorf("upsert hitl request: %w", err)
	}
	return nil
}

// InsertAuditEntry appends one audit record to the mirror.
func (r *Repository) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO hitl_audit_entries (
			audit_id, recorded_at, event_id, request_type, stage, responder,
			outcome, payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.AuditID, entry.Timestamp, entry.EventID, entry.RequestType,
		entry.Stage, entry.Responder, entry.Outcome, payloadJSON)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// MirroredStore decorates a RequestStore with best-effort Postgres mirroring.
// Mirror failures are logged, never surfaced; the file store alone decides
// success.
type MirroredStore struct {
	RequestStore
	repo    *Repository
	log     *logger.Logger
	timeout time.Duration
}

// NewMirroredStore wraps inner so every request write is also mirrored.
func NewMirroredStore(inner RequestStore, repo *Repository, log *logger.Logger) *MirroredStore {
	return &MirroredStore{
		RequestStore: inner,
		repo:         repo,
		log:          log,
		timeout:      5 * time.Second,
	}
}

func (s *MirroredStore) Put(req Request) error {
	if err := s.RequestStore.Put(req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.repo.UpsertRequest(ctx, req); err != nil {
		s.log.StoreError("hitl_mirror", "upsert_request", err)
	}
	return nil
}
