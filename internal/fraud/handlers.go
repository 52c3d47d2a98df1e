package fraud

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kvitton/backend/internal/workflow"
)

// Handler provides HTTP endpoints for fraud scoring.
type Handler struct {
	engine  *Engine
	store   Store
	service *workflow.Service
}

// NewHandler creates a new fraud handler.
func NewHandler(engine *Engine, store Store, service *workflow.Service) *Handler {
	return &Handler{engine: engine, store: store, service: service}
}

// RegisterRoutes sets up the fraud scoring routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/assess", h.AssessTransaction)
	r.POST("/batches/:id/assess", h.AssessBatch)
	r.GET("/assessments/:id", h.GetAssessment)
	r.GET("/transactions/:id/assessments", h.ListAssessments)
}

type assessContextRequest struct {
	CustomerID string          `json:"customerId"`
	History    CustomerHistory `json:"history"`
	Profile    BusinessProfile `json:"profile"`
}

// AssessTransaction handles POST /v1/transactions/:id/assess
func (h *Handler) AssessTransaction(c *gin.Context) {
	txn, err := h.service.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	var req assessContextRequest
	_ = c.ShouldBindJSON(&req) // context is optional; zero values score as unknown

	batch, err := h.service.GetBatch(c.Request.Context(), txn.BatchID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	assessment := h.engine.Assess(c.Request.Context(), txn, Context{
		BusinessID: batch.BusinessID,
		CustomerID: req.CustomerID,
		History:    req.History,
		Profile:    req.Profile,
	})
	c.JSON(http.StatusOK, gin.H{"assessment": assessment})
}

// AssessBatch handles POST /v1/batches/:id/assess
func (h *Handler) AssessBatch(c *gin.Context) {
	batchID := c.Param("id")
	batch, err := h.service.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		if errors.Is(err, workflow.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	txns, err := h.service.ListTransactions(c.Request.Context(), batchID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	var req assessContextRequest
	_ = c.ShouldBindJSON(&req)

	result := h.engine.AssessBatch(c.Request.Context(), txns, Context{
		BusinessID: batch.BusinessID,
		History:    req.History,
		Profile:    req.Profile,
	})
	c.JSON(http.StatusOK, gin.H{
		"assessments": result.Assessments,
		"failedIds":   result.FailedIDs,
		"count":       len(result.Assessments),
	})
}

// GetAssessment handles GET /v1/assessments/:id
func (h *Handler) GetAssessment(c *gin.Context) {
	assessment, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAssessmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Assessment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": assessment})
}

// ListAssessments handles GET /v1/transactions/:id/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	assessments, err := h.store.ListByTransaction(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": assessments, "count": len(assessments)})
}
