package ingest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kvitton/backend/internal/metrics"
	"github.com/kvitton/backend/internal/workflow"
)

// Handler provides HTTP endpoints for batch ingestion and export.
type Handler struct {
	ingestor *Ingestor
	service  *workflow.Service
}

// NewHandler creates a new ingestion handler.
func NewHandler(ingestor *Ingestor, service *workflow.Service) *Handler {
	return &Handler{ingestor: ingestor, service: service}
}

// RegisterRoutes sets up the ingestion routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/batches", h.CreateBatch)
	r.GET("/batches/:id/export", h.ExportBatch)
}

// CreateBatch handles POST /v1/batches. The body is the raw CSV; business ID
// and metadata travel in headers and query parameters.
func (h *Handler) CreateBatch(c *gin.Context) {
	businessID := c.GetHeader("X-Business-ID")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "X-Business-ID header is required"})
		return
	}

	var metadata map[string]string
	if label := c.Query("label"); label != "" {
		metadata = map[string]string{"label": label}
	}

	batch, txns, summary, err := h.ingestor.Parse(c.Request.Body, businessID, metadata, time.Now().UTC())
	if err != nil {
		metrics.BatchesRejectedTotal.Inc()

		var vErr *ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "validation_failed",
				"message": vErr.Error(),
				"rows":    vErr.Rows,
			})
			return
		}
		if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrMissingColumns) || errors.Is(err, ErrColumnOrder) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_batch", "message": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "parse_failed", "message": err.Error()})
		return
	}

	if err := h.service.IngestBatch(c.Request.Context(), batch, txns); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed", "message": err.Error()})
		return
	}

	metrics.BatchesIngestedTotal.Inc()
	c.JSON(http.StatusCreated, gin.H{"batch": batch, "summary": summary})
}

// ExportBatch handles GET /v1/batches/:id/export, streaming the batch back as
// CSV with the verification outcome columns appended.
func (h *Handler) ExportBatch(c *gin.Context) {
	batchID := c.Param("id")
	txns, err := h.service.ListTransactions(c.Request.Context(), batchID)
	if err != nil {
		if errors.Is(err, workflow.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="`+batchID+`.csv"`)
	if err := Export(c.Writer, txns); err != nil {
		// Headers are already out; log via gin's error list and stop.
		_ = c.Error(err)
	}
}
