package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

// Error represents a structured error response.
type Error struct {
	Status     int     `json:"status"`
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	ResultCode *uint32 `json:"result_code,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// engineStatus maps a session engine error onto an HTTP status.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, daelim.ErrUnsafeAction), errors.Is(err, daelim.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, daelim.ErrUnknownDeviceCategory), errors.Is(err, daelim.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, daelim.ErrCommandTimedOut), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, daelim.ErrConnectionUnavailable),
		errors.Is(err, daelim.ErrConnectionClosed),
		errors.Is(err, daelim.ErrSessionExpired):
		return http.StatusServiceUnavailable
	case errors.Is(err, daelim.ErrCommandRejected), errors.Is(err, daelim.ErrAuthenticationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err using the bridge error codes, with the server
// result code when the apartment server supplied one.
func writeEngineError(w http.ResponseWriter, err error) {
	status := engineStatus(err)
	e := Error{Status: status, Code: daelim.ErrorCode(err), Message: err.Error()}
	if status == http.StatusGatewayTimeout {
		e.Code = daelim.ErrCodeTimeout
	}
	if rc, ok := daelim.ResultCodeOf(err); ok {
		v := uint32(rc)
		e.ResultCode = &v
	}
	writeJSON(w, status, e)
}
