package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/operations"
)

// Error codes of the JSON error envelope.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeConflict        = "CONFLICT"
	CodeTimeout         = "TIMEOUT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternalError   = "INTERNAL_ERROR"
)

var (
	errUnauthorized = errors.New("authentication required")
	errForbidden    = errors.New("access denied")
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the {"error":{"code","message"}} envelope.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// classify maps err onto a status, a code and a message that is safe to
// show. Tool stderr never reaches the message.
func classify(err error) (int, string, string) {
	var (
		reported *database.ToolReportedError
		executed *database.ToolExecutionError
	)
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized, err.Error()
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, CodeForbidden, err.Error()
	case errors.Is(err, operations.ErrArtifactNotFound):
		return http.StatusNotFound, CodeNotFound, "artifact not found"
	case errors.Is(err, operations.ErrDatabaseNotFound):
		return http.StatusNotFound, CodeNotFound, operations.ErrDatabaseNotFound.Error()
	case errors.Is(err, operations.ErrInvalidArgument), errors.Is(err, audit.ErrInvalidFilter):
		return http.StatusBadRequest, CodeValidationError, err.Error()
	case errors.Is(err, operations.ErrOperationInProgress):
		return http.StatusConflict, CodeConflict, "another operation is running on this target"
	case errors.Is(err, database.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout, "operation timed out"
	case errors.Is(err, operations.ErrUnavailable), errors.Is(err, audit.ErrUnavailable),
		errors.Is(err, database.ErrNotConnected):
		return http.StatusServiceUnavailable, CodeUnavailable, "service unavailable"
	case errors.As(err, &reported):
		return http.StatusInternalServerError, CodeInternalError, reported.Tool + " reported an error"
	case errors.As(err, &executed):
		return http.StatusInternalServerError, CodeInternalError, executed.Tool + " failed"
	}
	return http.StatusInternalServerError, CodeInternalError, "internal error"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err.Error())
	}
	WriteError(w, status, code, message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
