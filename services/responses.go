package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Envelope is the body shape of every JSON response.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data"`
	Errors  interface{} `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

// writeError maps sentinel kinds to status codes. Anything unclassified is
// logged and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrUpstream):
		status = http.StatusBadGateway
	}

	body := Envelope{Success: false, Message: "Internal server error"}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		body.Message = svcErr.Message
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		body.Message = "Validation failed"
		body.Errors = validationErr.Fields
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
	} else {
		slog.Warn("Request rejected", "error", err, "status", status, "path", r.URL.Path)
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return wrapError(ErrInvalidInput, "Invalid request body", err)
	}
	return nil
}
