package signals

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/ksred/trade-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for the signal lifecycle endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// IngestHandler handles POST requests submitting a candidate signal.
// Request body is the canonical candidate shape.
func (h *GinHandlers) IngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var candidate types.Candidate
		if err := c.ShouldBindJSON(&candidate); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		signal, err := h.service.Ingest(c.Request.Context(), &candidate)
		response.Handle(c, signal, err)
	}
}

// ListSignalsHandler handles GET requests for recent signals.
// Query parameters: status (optional filter), limit (default 50).
func (h *GinHandlers) ListSignalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		list, err := h.service.List(c.Query("status"), limit)
		response.Handle(c, list, err)
	}
}

// GetSignalHandler handles GET requests for a single signal.
// URL parameter: signal_id
func (h *GinHandlers) GetSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		signal, err := h.service.Get(c.Param("signal_id"))
		if err == nil && signal == nil {
			response.NotFound(c, "Signal not found")
			return
		}
		response.Handle(c, signal, err)
	}
}

// ApproveSignalHandler handles POST requests approving a pending signal.
// URL parameter: signal_id
func (h *GinHandlers) ApproveSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		signal, err := h.service.Approve(c.Request.Context(), c.Param("signal_id"))
		response.Handle(c, signal, err)
	}
}

// RejectSignalHandler handles POST requests rejecting a pending signal.
// URL parameter: signal_id; optional JSON body {"reason": "..."}.
func (h *GinHandlers) RejectSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		if body.Reason == "" {
			body.Reason = "rejected by operator"
		}

		signal, err := h.service.Reject(c.Request.Context(), c.Param("signal_id"), body.Reason)
		response.Handle(c, signal, err)
	}
}
