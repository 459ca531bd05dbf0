// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stacklok/chanstate/internal/manager"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteJSONResponse(w, map[string]string{"error": message}, statusCode)
}

// WriteManagerError maps a manager error to a status code. Failed persistence is
// a 500; the cache has already been rolled back.
func WriteManagerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrNotReady), errors.Is(err, manager.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, r.Context().Err()):
		status = http.StatusRequestTimeout
	}
	slog.ErrorContext(r.Context(), "Request failed", "op", op, "error", err)
	WriteErrorResponse(w, fmt.Sprintf("%s failed: %v", op, err), status)
}

// DecodeJSONBody decodes the request body into dst, rejecting unknown fields and
// trailing data.
func DecodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}
