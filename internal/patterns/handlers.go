package patterns

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the HTTP endpoint for on-demand pattern analysis.
type Handler struct {
	detector *Detector
}

// NewHandler creates a new patterns handler.
func NewHandler(detector *Detector) *Handler {
	return &Handler{detector: detector}
}

// RegisterRoutes sets up the analysis routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/patterns/analyze", h.Analyze)
}

type analyzeRequest struct {
	Samples []Sample                 `json:"samples"`
	Texts   []TextEntry              `json:"texts"`
	Metrics map[string][]MetricPoint `json:"metrics"`
}

// Analyze handles POST /v1/patterns/analyze
func (h *Handler) Analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if len(req.Samples) == 0 && len(req.Texts) == 0 && len(req.Metrics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "At least one of samples, texts or metrics is required"})
		return
	}

	report := h.detector.Analyze(req.Samples, req.Texts, req.Metrics)
	c.JSON(http.StatusOK, gin.H{"report": report})
}
