package risk

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/trade-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for the risk control endpoints.
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// SummaryHandler handles GET requests for the current risk state.
func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.engine.Summary(c.Request.Context())
		response.Handle(c, summary, err)
	}
}

// HaltHandler handles POST requests halting all trading.
// JSON body {"reason": "..."} is required.
func (h *GinHandlers) HaltHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "reason is required")
			return
		}
		h.engine.TriggerHalt(body.Reason)
		response.Success(c, gin.H{"halted": true})
	}
}

// ResumeHandler handles POST requests clearing the trading halt.
// JSON body {"reason": "..."} is required for the audit trail.
func (h *GinHandlers) ResumeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "reason is required")
			return
		}
		h.engine.Resume(body.Reason)
		response.Success(c, gin.H{"halted": false})
	}
}

// EventsHandler handles GET requests for unresolved risk events.
func (h *GinHandlers) EventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := h.engine.Events().ListUnresolved()
		response.Handle(c, events, err)
	}
}
