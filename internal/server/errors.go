package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnergate/internal/auth/session"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"github.com/smallbiznis/partnergate/pkg/db/pagination"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = gatewayerr.Auth("unauthorized", "unauthorized")
	ErrForbidden          = gatewayerr.Forbidden("forbidden", "forbidden")
	ErrInvalidRequest     = gatewayerr.Validation("invalid_request", "invalid request")
	ErrNotFound           = errors.New("not_found")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if ge, ok := gatewayerr.As(err); ok {
		return statusForKind(ge), errorPayload{
			Type:    string(ge.Kind),
			Code:    ge.Code,
			Message: ge.Message,
		}
	}

	switch {
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, session.ErrScopeMismatch):
		return http.StatusUnauthorized, errorPayload{
			Type:    string(gatewayerr.KindAuth),
			Code:    "session_required",
			Message: "session required",
		}
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return http.StatusBadRequest, errorPayload{
			Type:    string(gatewayerr.KindValidation),
			Code:    "invalid_page_token",
			Message: "invalid page token",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    string(gatewayerr.KindNotFound),
			Code:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Code:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func statusForKind(ge *gatewayerr.Error) int {
	switch ge.Kind {
	case gatewayerr.KindAuth:
		return http.StatusUnauthorized
	case gatewayerr.KindStateConflict:
		if ge.Gone {
			return http.StatusGone
		}
		return http.StatusConflict
	case gatewayerr.KindNotFound:
		return http.StatusNotFound
	case gatewayerr.KindValidation:
		return http.StatusBadRequest
	case gatewayerr.KindForbidden:
		return http.StatusForbidden
	case gatewayerr.KindDelivery:
		return http.StatusBadGateway
	case gatewayerr.KindConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// classifyErrorForLog returns the error type and code recorded on the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" {
		code = payload.Type
	}
	return payload.Type, code
}
