package workflow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kvitton/backend/internal/audit"
	"github.com/kvitton/backend/internal/metrics"
)

// Handler provides HTTP endpoints for the verification workflow.
type Handler struct {
	service  *Service
	auditLog audit.Store
}

// NewHandler creates a new workflow handler.
func NewHandler(service *Service, auditLog audit.Store) *Handler {
	return &Handler{service: service, auditLog: auditLog}
}

// RegisterRoutes sets up the workflow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/batches/:id", h.GetBatch)
	r.GET("/batches/:id/transactions", h.ListTransactions)
	r.GET("/batches/:id/counts", h.GetCounts)
	r.GET("/batches/:id/audit", h.GetBatchAudit)
	r.POST("/batches/:id/verify", h.VerifyBatch)
	r.POST("/batches/:id/auto-approve", h.AutoApprove)

	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/progress", h.GetProgress)
	r.POST("/sessions/:id/pause", h.PauseSession)
	r.POST("/sessions/:id/resume", h.ResumeSession)
	r.POST("/sessions/:id/abandon", h.AbandonSession)
	r.POST("/sessions/:id/complete", h.CompleteSession)

	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/audit", h.GetTransactionAudit)
	r.POST("/transactions/:id/verify", h.VerifyTransaction)
}

// statusForError maps workflow errors to HTTP statuses.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBatchNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, ErrAlreadyVerified):
		return http.StatusConflict, "already_verified"
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, ErrSessionConflict):
		return http.StatusConflict, "session_conflict"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrPendingRemain):
		return http.StatusConflict, "pending_transactions"
	case errors.Is(err, ErrInvalidDecision):
		return http.StatusBadRequest, "invalid_decision"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := statusForError(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// GetBatch handles GET /v1/batches/:id
func (h *Handler) GetBatch(c *gin.Context) {
	batch, err := h.service.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch})
}

// ListTransactions handles GET /v1/batches/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txns, err := h.service.ListTransactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// GetCounts handles GET /v1/batches/:id/counts
func (h *Handler) GetCounts(c *gin.Context) {
	counts, err := h.service.BatchCounts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":             counts,
		"progressPercentage": counts.ProgressPercentage(),
	})
}

// GetBatchAudit handles GET /v1/batches/:id/audit
func (h *Handler) GetBatchAudit(c *gin.Context) {
	limit := parseLimit(c, 100, 500)
	entries, err := h.auditLog.ListByBatch(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetTransactionAudit handles GET /v1/transactions/:id/audit
func (h *Handler) GetTransactionAudit(c *gin.Context) {
	limit := parseLimit(c, 100, 500)
	entries, err := h.auditLog.ListByEntity(c.Request.Context(), audit.EntityTransaction, c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type createSessionRequest struct {
	BatchID    string `json:"batchId" binding:"required"`
	VerifierID string `json:"verifierId" binding:"required"`
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	session, err := h.service.CreateSession(c.Request.Context(), req.BatchID, req.VerifierID)
	if err != nil {
		respondError(c, err)
		return
	}

	metrics.ActiveSessions.Inc()
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	session, _, err := h.service.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// GetProgress handles GET /v1/sessions/:id/progress
func (h *Handler) GetProgress(c *gin.Context) {
	session, counts, err := h.service.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":            session,
		"counts":             counts,
		"progressPercentage": counts.ProgressPercentage(),
	})
}

type sessionActionRequest struct {
	VerifierID string `json:"verifierId" binding:"required"`
	Reason     string `json:"reason"`
}

// PauseSession handles POST /v1/sessions/:id/pause
func (h *Handler) PauseSession(c *gin.Context) {
	h.sessionAction(c, func(sessionID string, req sessionActionRequest) (*VerificationSession, error) {
		return h.service.PauseSession(c.Request.Context(), sessionID, req.VerifierID)
	})
}

// ResumeSession handles POST /v1/sessions/:id/resume
func (h *Handler) ResumeSession(c *gin.Context) {
	h.sessionAction(c, func(sessionID string, req sessionActionRequest) (*VerificationSession, error) {
		return h.service.ResumeSession(c.Request.Context(), sessionID, req.VerifierID)
	})
}

// AbandonSession handles POST /v1/sessions/:id/abandon
func (h *Handler) AbandonSession(c *gin.Context) {
	h.sessionAction(c, func(sessionID string, req sessionActionRequest) (*VerificationSession, error) {
		session, err := h.service.AbandonSession(c.Request.Context(), sessionID, req.VerifierID, req.Reason)
		if err == nil {
			metrics.ActiveSessions.Dec()
		}
		return session, err
	})
}

// CompleteSession handles POST /v1/sessions/:id/complete
func (h *Handler) CompleteSession(c *gin.Context) {
	h.sessionAction(c, func(sessionID string, req sessionActionRequest) (*VerificationSession, error) {
		session, err := h.service.CompleteSession(c.Request.Context(), sessionID, req.VerifierID)
		if err == nil {
			metrics.ActiveSessions.Dec()
		}
		return session, err
	})
}

func (h *Handler) sessionAction(c *gin.Context, fn func(string, sessionActionRequest) (*VerificationSession, error)) {
	var req sessionActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	session, err := fn(c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

type verifyTransactionRequest struct {
	VerifierID      string   `json:"verifierId" binding:"required"`
	Decision        Decision `json:"decision" binding:"required"`
	Reason          string   `json:"reason"`
	ExpectedVersion int64    `json:"expectedVersion" binding:"required"`
}

// VerifyTransaction handles POST /v1/transactions/:id/verify
func (h *Handler) VerifyTransaction(c *gin.Context) {
	var req verifyTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	txn, err := h.service.VerifyTransaction(c.Request.Context(), VerifyRequest{
		TransactionID:   c.Param("id"),
		VerifierID:      req.VerifierID,
		Decision:        req.Decision,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	metrics.VerificationsTotal.WithLabelValues(string(req.Decision)).Inc()
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

type batchVerifyRequest struct {
	VerifierID string          `json:"verifierId" binding:"required"`
	Decisions  []VerifyRequest `json:"decisions" binding:"required"`
}

// VerifyBatch handles POST /v1/batches/:id/verify
func (h *Handler) VerifyBatch(c *gin.Context) {
	var req batchVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	result, err := h.service.VerifyBatch(c.Request.Context(), req.VerifierID, req.Decisions)
	if err != nil {
		respondError(c, err)
		return
	}

	metrics.VerificationsTotal.WithLabelValues("batch").Add(float64(result.Verified))
	status := http.StatusOK
	if len(result.FailedIDs) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"result": result})
}

type autoApproveRequest struct {
	Reason string `json:"reason"`
}

// AutoApprove handles POST /v1/batches/:id/auto-approve
func (h *Handler) AutoApprove(c *gin.Context) {
	var req autoApproveRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = DeadlineExpiredReason
	}

	batch, err := h.service.AutoApproveBatch(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	metrics.BatchesAutoApprovedTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"batch": batch})
}

func parseLimit(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
