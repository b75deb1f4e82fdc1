package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Fields  []ValidationError `json:"fields,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// ErrorHandler renders the last error pushed with c.Error. Handlers and
// middleware push errors and abort; nothing else writes error bodies.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		traceID := c.GetString(ContextRequestID)
		lastErr := c.Errors.Last().Err
		status, resp := render(lastErr)
		resp.TraceID = traceID

		if status >= http.StatusInternalServerError {
			log.Error(lastErr, "request failed",
				"request_id", traceID,
				"method", c.Request.Method,
				"path", c.Request.URL.Path)
		}
		c.JSON(status, resp)
	}
}

func render(err error) (int, ErrorResponse) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, ErrorResponse{
			Code:    http.StatusBadRequest,
			Message: "validation failed",
			Fields:  validationErrors(verrs),
		}
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, ErrorResponse{
			Code:    http.StatusRequestEntityTooLarge,
			Message: "request body too large",
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return http.StatusBadRequest, ErrorResponse{
			Code:    http.StatusBadRequest,
			Message: "malformed request body",
		}
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := appErr.StatusCode()
		msg := appErr.Message
		switch {
		case appErr.Code == apperrors.ErrForbidden:
			msg = "not found"
		case appErr.Code == apperrors.ErrValidation && appErr.Err != nil:
			msg = appErr.Error()
		}
		return status, ErrorResponse{Code: status, Message: msg}
	}

	return http.StatusInternalServerError, ErrorResponse{
		Code:    http.StatusInternalServerError,
		Message: "internal server error",
	}
}
