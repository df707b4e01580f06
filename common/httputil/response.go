// Package httputil contains small helpers for writing HTTP responses.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrorResponse is the body written for rejected requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// WriteError writes an ErrorResponse carrying a machine-readable code and a
// human-readable message.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteEmpty writes status with an explicit zero Content-Length and flushes it to the
// client, so the response is complete on the wire before the handler returns.
// It reports whether the response reached the connection buffer flush.
func WriteEmpty(w http.ResponseWriter, status int) bool {
	w.Header().Set("Content-Length", strconv.Itoa(0))
	w.WriteHeader(status)
	if err := http.NewResponseController(w).Flush(); err != nil {
		return false
	}
	return true
}
