package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/trade-engine/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeRiskRejected     = "RISK_REJECTED"
	ErrCodeNotPending       = "NOT_PENDING"
	ErrCodeStaleData        = "STALE_DATA"
	ErrCodeBrokerDown       = "BROKER_UNAVAILABLE"
)

// Handle maps the domain error taxonomy onto HTTP responses. A nil error
// sends the data as a success. ErrNotPending is deliberately a success-shaped
// 200 with a code attached: double submissions are no-ops, not failures.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var validationErr *types.ValidationError
	var riskErr *types.RiskRejection
	var staleErr *types.StaleDataError

	switch {
	case errors.Is(err, types.ErrNotPending):
		c.JSON(http.StatusOK, Response{
			Success: true,
			Data:    data,
			Error:   &Error{Code: ErrCodeNotPending, Message: err.Error()},
		})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   &Error{Code: ErrCodeValidationFailed, Message: err.Error()},
		})
	case errors.As(err, &riskErr):
		c.JSON(http.StatusUnprocessableEntity, Response{
			Success: false,
			Data:    data,
			Error:   &Error{Code: ErrCodeRiskRejected, Message: err.Error()},
		})
	case errors.As(err, &staleErr):
		c.JSON(http.StatusUnprocessableEntity, Response{
			Success: false,
			Data:    data,
			Error:   &Error{Code: ErrCodeStaleData, Message: err.Error()},
		})
	case errors.Is(err, types.ErrBrokerUnavailable):
		c.JSON(http.StatusServiceUnavailable, Response{
			Success: false,
			Error:   &Error{Code: ErrCodeBrokerDown, Message: err.Error()},
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}
