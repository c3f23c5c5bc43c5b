// Package httputil holds the JSON response helpers shared by all handlers.
// Postal retries webhook deliveries on any non-2xx response, so the envelope
// distinguishes "ok" acknowledgments from real errors explicitly.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/applixodoo/dr-postal/internal/pkg/logger"
)

// Ack is the acknowledgment envelope returned to the webhook caller.
type Ack struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// JSON writes data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes an error envelope with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Ack{Status: "error", Message: message})
}

// InternalError writes a 500 envelope. The real error is logged but never
// leaked to the caller.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal server error")
}
