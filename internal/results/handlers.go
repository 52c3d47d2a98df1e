package results

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kvitton/backend/internal/workflow"
)

// Handler serves cached verification result summaries.
type Handler struct {
	service *workflow.Service
	cache   Cache
}

// NewHandler creates a new results handler.
func NewHandler(service *workflow.Service, cache Cache) *Handler {
	return &Handler{service: service, cache: cache}
}

// RegisterRoutes sets up the result routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/batches/:id/result", h.GetBatchResult)
}

// GetBatchResult handles GET /v1/batches/:id/result. Cache hits are served
// directly; misses recompute from the authoritative counts and repopulate.
func (h *Handler) GetBatchResult(c *gin.Context) {
	batchID := c.Param("id")
	ctx := c.Request.Context()

	key := workflow.BatchCacheKey(batchID)
	if cached, ok := h.cache.Get(ctx, key); ok {
		c.JSON(http.StatusOK, gin.H{"result": cached, "cached": true})
		return
	}

	batch, err := h.service.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, workflow.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	counts, err := h.service.BatchCounts(ctx, batchID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	result := Compute(batch, nil, counts)
	h.cache.Set(ctx, key, result)
	c.JSON(http.StatusOK, gin.H{"result": result, "cached": false})
}
