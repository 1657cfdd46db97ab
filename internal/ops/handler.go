// Package ops exposes the operator HTTP surface: pending reviews, manual
// decisions, the run manifest, and audit lookups. It binds to a loopback
// address; there is no auth layer.
package ops

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"dealflow_backend/internal/audit"
	"dealflow_backend/internal/engine"
	"dealflow_backend/internal/hitl"
	"dealflow_backend/internal/manifest"
	"dealflow_backend/platform/httpkit"
	"dealflow_backend/platform/logger"
	"dealflow_backend/platform/validator"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

type Handler struct {
	hitl     *hitl.Manager
	engine   *engine.Engine
	auditLog *audit.Log
	manifest *manifest.Writer
	validate *validator.Validator
	log      *logger.Logger
}

func NewHandler(m *hitl.Manager, en *engine.Engine, auditLog *audit.Log, mw *manifest.Writer, log *logger.Logger) *Handler {
	return &Handler{
		hitl:     m,
		engine:   en,
		auditLog: auditLog,
		manifest: mw,
		validate: validator.New(),
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/reviews", h.ListReviews)
	rg.GET("/reviews/pending", h.ListPending)
	rg.GET("/reviews/:auditId", h.GetReview)
	rg.POST("/reviews/:auditId/decision", h.SubmitDecision)
	rg.GET("/runs/current/manifest", h.GetManifest)
	rg.GET("/audit", h.ListAudit)
}

// ListReviews returns every request on record, optionally filtered by
// ?status=. Resolved requests are kept forever, so this is the full history.
func (h *Handler) ListReviews(c *gin.Context) {
	all, err := h.hitl.All()
	if httpkit.HandleError(c, err) {
		return
	}

	status := c.Query("status")
	summaries := make([]ReviewSummary, 0, len(all))
	for _, req := range all {
		if status != "" && string(req.Status) != status {
			continue
		}
		summaries = append(summaries, toSummary(req))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	httpkit.OK(c, summaries)
}

func (h *Handler) ListPending(c *gin.Context) {
	pending, err := h.hitl.Pending()
	if httpkit.HandleError(c, err) {
		return
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	summaries := make([]ReviewSummary, 0, len(pending))
	for _, req := range pending {
		summaries = append(summaries, toSummary(req))
	}
	httpkit.OK(c, summaries)
}

func (h *Handler) GetReview(c *gin.Context) {
	auditID := c.Param("auditId")
	req, err := h.hitl.Get(auditID)
	if httpkit.HandleError(c, err) {
		return
	}

	entries, err := h.auditLog.EntriesFor(auditID)
	if err != nil {
		h.log.Warn("audit read failed for review detail", "audit_id", auditID, "error", err)
	}
	httpkit.OK(c, gin.H{"request": req, "audit": entries})
}

func (h *Handler) SubmitDecision(c *gin.Context) {
	auditID := c.Param("auditId")

	var body DecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	outcome, applied, err := h.hitl.ApplyDecision(c.Request.Context(), hitl.Decision{
		AuditID:   auditID,
		Decision:  hitl.Status(body.Decision),
		Responder: body.Responder,
		Fields:    body.Fields,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	if applied {
		req, err := h.hitl.Get(auditID)
		if err == nil {
			h.continueEngine(c, req, outcome)
		}
	}

	httpkit.JSON(c, http.StatusOK, DecisionResponse{
		AuditID: outcome.AuditID,
		Status:  string(outcome.Status),
		Applied: applied,
	})
}

func (h *Handler) continueEngine(c *gin.Context, req hitl.Request, outcome hitl.Outcome) {
	result, err := h.engine.HandleOutcome(c.Request.Context(), req, outcome)
	if err != nil {
		h.log.Error("continuation after manual decision failed", "audit_id", req.AuditID, "error", err)
		return
	}
	if h.manifest != nil {
		if err := h.manifest.Append(result); err != nil {
			h.log.Error("manifest append failed", "audit_id", req.AuditID, "error", err)
		}
	}
}

func (h *Handler) GetManifest(c *gin.Context) {
	if h.manifest == nil {
		httpkit.Error(c, http.StatusNotFound, "no active run", nil)
		return
	}
	httpkit.OK(c, h.manifest.Snapshot())
}

func (h *Handler) ListAudit(c *gin.Context) {
	if auditID := c.Query("audit_id"); auditID != "" {
		entries, err := h.auditLog.EntriesFor(auditID)
		if httpkit.HandleError(c, err) {
			return
		}
		httpkit.OK(c, entries)
		return
	}

	entries, err := h.auditLog.Entries()
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, entries)
}
