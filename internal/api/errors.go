package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// statusFor maps domain errors to HTTP status codes and an optional machine
// readable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, bookmark.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, bookmark.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, bookmark.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_exceeded"
	case errors.Is(err, bookmark.ErrConflict):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, bookmark.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeDomainError writes err with its mapped status. Server-side failures
// are reported without their internal detail.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError || status == http.StatusRequestTimeout {
		msg = http.StatusText(status)
	}
	writeErrorCode(w, status, code, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
