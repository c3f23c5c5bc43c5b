// Package api exposes the webhook endpoint and the operator read API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/applixodoo/dr-postal/internal/pkg/httputil"
	"github.com/applixodoo/dr-postal/internal/pkg/logger"
	"github.com/applixodoo/dr-postal/internal/track"
)

// maxWebhookBody limits webhook payloads to prevent OOM on oversized bodies.
const maxWebhookBody = 5 * 1024 * 1024

// Processor handles one decoded webhook payload.
type Processor interface {
	Process(ctx context.Context, payload map[string]any) (track.Result, error)
}

// EventReader serves the read side: audit records for operators.
type EventReader interface {
	EventsByMailMessage(ctx context.Context, mailMessageID int64) ([]track.EventLogEntry, error)
	RecentEvents(ctx context.Context, limit int) ([]track.EventLogEntry, error)
}

// Handler is the transport adapter in front of the tracking core.
type Handler struct {
	processor Processor
	events    EventReader

	// token is the shared secret configured in the Postal server. Empty
	// means development mode: all callers are allowed, with a warning.
	token string
}

func NewHandler(processor Processor, events EventReader, token string) *Handler {
	return &Handler{processor: processor, events: events, token: token}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/postal/webhook", h.HandleWebhook)
	r.Post("/postal/webhook/{token}", h.HandleWebhook)
	r.Get("/healthz", h.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
		r.Get("/messages/{id}/events", h.HandleMessageEvents)
		r.Get("/events/recent", h.HandleRecentEvents)
	})

	return r
}

// HandleWebhook receives one Postal webhook delivery. Anything the pipeline
// cannot use is still acknowledged with 200: Postal retries on non-2xx, and
// retrying an intrinsically unprocessable event is wasted work.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		logger.Warn("webhook rejected: invalid or missing token", "remote", r.RemoteAddr)
		httputil.Error(w, http.StatusForbidden, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		logger.Warn("webhook rejected: empty payload")
		httputil.Error(w, http.StatusBadRequest, "empty payload")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn("webhook rejected: invalid JSON", "error", err)
		httputil.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(payload) == 0 {
		logger.Warn("webhook rejected: empty payload")
		httputil.Error(w, http.StatusBadRequest, "empty payload")
		return
	}

	result, err := h.processor.Process(r.Context(), payload)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	if result.Ignored {
		httputil.OK(w, httputil.Ack{Status: "ok", Message: "unknown event type, ignored"})
		return
	}
	httputil.OK(w, httputil.Ack{Status: "ok", EventID: result.EventID.String()})
}

// authorized checks the shared secret: the URL path segment first, then the
// X-Postal-Token header. No configured secret means development mode.
func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		logger.Warn("no webhook token configured, allowing request")
		return true
	}
	if urlToken := chi.URLParam(r, "token"); urlToken != "" && urlToken == h.token {
		return true
	}
	if headerToken := r.Header.Get("X-Postal-Token"); headerToken != "" && headerToken == h.token {
		return true
	}
	return false
}

// eventView is the read-API rendering of one audit record.
type eventView struct {
	ID                string `json:"id"`
	Summary           string `json:"summary"`
	EventType         string `json:"event_type"`
	OccurredAt        string `json:"occurred_at"`
	Recipient         string `json:"recipient"`
	ExternalMessageID string `json:"external_message_id"`
	ErrorDetail       string `json:"error_detail,omitempty"`
	TrackingToken     string `json:"tracking_token,omitempty"`
	NotificationID    *int64 `json:"notification_id"`
	MailMessageID     *int64 `json:"mail_message_id"`
	CreatedAt         string `json:"created_at"`
}

func toEventViews(entries []track.EventLogEntry) []eventView {
	views := make([]eventView, 0, len(entries))
	for _, e := range entries {
		views = append(views, eventView{
			ID:                e.ID.String(),
			Summary:           e.Summary(),
			EventType:         string(e.Type),
			OccurredAt:        e.OccurredAt.UTC().Format(time.RFC3339),
			Recipient:         e.Recipient,
			ExternalMessageID: e.ExternalMessageID,
			ErrorDetail:       e.ErrorDetail,
			TrackingToken:     e.TrackingToken,
			NotificationID:    e.NotificationID,
			MailMessageID:     e.MailMessageID,
			CreatedAt:         e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return views
}

// HandleMessageEvents lists the tracking history of one conversation message,
// newest first.
func (h *Handler) HandleMessageEvents(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid message id")
		return
	}

	entries, err := h.events.EventsByMailMessage(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"events": toEventViews(entries)})
}

// HandleRecentEvents lists the newest audit records, including unmatched
// ones, so operators can diagnose missing correlations.
func (h *Handler) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.events.RecentEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"events": toEventViews(entries)})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, httputil.Ack{Status: "ok"})
}
