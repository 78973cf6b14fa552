package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
)

// Stable error codes of the response envelope.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
	CodeUnavailable    = "unavailable"
)

// ErrorBody is the error payload inside the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the stable error response shape.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// respondError translates an error into the envelope. Internal detail is
// logged, not leaked.
func (s *Server) respondError(c echo.Context, err error) error {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Request().URL.Path).Error("Request failed")
		message = "internal error"
	}
	return c.JSON(status, ErrorEnvelope{Error: ErrorBody{Code: code, Message: message}})
}

func classifyError(err error) (int, string, string) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message := http.StatusText(httpErr.Code)
		if text, ok := httpErr.Message.(string); ok {
			message = text
		}
		switch httpErr.Code {
		case http.StatusNotFound:
			return http.StatusNotFound, CodeNotFound, message
		case http.StatusUnauthorized:
			return http.StatusUnauthorized, CodeUnauthorized, message
		case http.StatusTooManyRequests:
			return http.StatusTooManyRequests, CodeRateLimited, message
		case http.StatusRequestEntityTooLarge:
			return http.StatusRequestEntityTooLarge, CodeInvalidRequest, message
		default:
			if httpErr.Code >= 400 && httpErr.Code < 500 {
				return httpErr.Code, CodeInvalidRequest, message
			}
			return httpErr.Code, CodeInternal, message
		}
	}

	if errors.Is(err, db.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, "resource not found"
	}

	switch common.KindOf(err) {
	case common.KindPermanentInput:
		return http.StatusBadRequest, CodeInvalidRequest, err.Error()
	case common.KindPermission:
		return http.StatusForbidden, CodeForbidden, "access denied"
	case common.KindInvariant:
		return http.StatusInternalServerError, CodeInternal, err.Error()
	case common.KindCancelled:
		return http.StatusConflict, CodeConflict, err.Error()
	default:
		return http.StatusServiceUnavailable, CodeUnavailable, "service temporarily unavailable"
	}
}

// httpErrorHandler maps framework-level errors (404, 405, body limit) to
// the same envelope handlers use.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if respondErr := s.respondError(c, err); respondErr != nil {
		s.log.WithError(respondErr).Warn("Failed to write error response")
	}
}
