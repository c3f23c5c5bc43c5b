package postal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBouncedEnvelope(t *testing.T) {
	payload := map[string]any{
		"event":     "MessageBounced",
		"timestamp": float64(1700000000),
		"payload": map[string]any{
			"original_message": map[string]any{
				"message_id": "abc@x",
				"to":         "a@b.com",
			},
			"bounce": map[string]any{
				"from":    "mx@y.com",
				"subject": "test",
			},
		},
	}

	shape := Detect(payload)
	require.Equal(t, ShapeEnvelope, shape)

	ev, ok := Normalize(shape, payload)
	require.True(t, ok)
	assert.Equal(t, EventBounced, ev.Type)
	assert.Equal(t, "abc@x", ev.ExternalMessageID)
	assert.Equal(t, "a@b.com", ev.Recipient)
	assert.Contains(t, ev.ErrorDetail, "mx@y.com")
	assert.Contains(t, ev.ErrorDetail, "test")
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.OccurredAt)

	// Same payload must normalize identically.
	again, ok := Normalize(shape, payload)
	require.True(t, ok)
	assert.Equal(t, ev, again)
}

func TestNormalizeStatusVocabulary(t *testing.T) {
	tests := []struct {
		status string
		want   EventType
	}{
		{"Sent", EventSent},
		{"Delayed", EventSent},
		{"Held", EventSent},
		{"Delivered", EventDelivered},
		{"DeliveryFailed", EventBounced},
		{"HardFail", EventBounced},
		{"SoftFail", EventBounced},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			payload := map[string]any{
				"status":  tt.status,
				"message": map[string]any{"message_id": "m@x", "to": "r@y.com"},
			}
			ev, ok := Normalize(ShapeStatus, payload)
			require.True(t, ok)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, "m@x", ev.ExternalMessageID)
			assert.Equal(t, "r@y.com", ev.Recipient)
		})
	}
}

func TestNormalizeUnknownStatusRejected(t *testing.T) {
	// Defensive double-check: even if a payload slips past detection, an
	// unrecognized status must not produce an event.
	_, ok := Normalize(ShapeStatus, map[string]any{"status": "Teleported"})
	assert.False(t, ok)
}

func TestNormalizeDeliveryFailedDetails(t *testing.T) {
	payload := map[string]any{
		"status":  "HardFail",
		"details": "Mailbox does not exist",
		"output":  "550 5.1.1 user unknown",
		"message": map[string]any{"message_id": "m@x", "to": "r@y.com"},
	}
	ev, ok := Normalize(ShapeStatus, payload)
	require.True(t, ok)
	assert.Equal(t, EventBounced, ev.Type)
	assert.Equal(t, "Mailbox does not exist\n\nServer response: 550 5.1.1 user unknown", ev.ErrorDetail)
}

func TestNormalizeBounceDetailShape(t *testing.T) {
	payload := map[string]any{
		"original_message": map[string]any{"message_id": "orig@x", "to": "a@b.com"},
		"bounce":           map[string]any{"from": "", "subject": ""},
	}
	ev, ok := Normalize(ShapeBounceDetail, payload)
	require.True(t, ok)
	assert.Equal(t, EventBounced, ev.Type)
	assert.Equal(t, "orig@x", ev.ExternalMessageID)
	assert.Equal(t, "Bounce from: unknown\nSubject: N/A", ev.ErrorDetail)
}

func TestNormalizeClickAndOpenConflateToOpened(t *testing.T) {
	click := map[string]any{
		"url":     "https://example.com/offer",
		"message": map[string]any{"message_id": "c@x", "to": "a@b.com"},
	}
	ev, ok := Normalize(ShapeClick, click)
	require.True(t, ok)
	assert.Equal(t, EventOpened, ev.Type)

	open := map[string]any{
		"ip_address": "1.2.3.4",
		"message":    map[string]any{"message_id": "o@x", "to": "a@b.com"},
	}
	ev, ok = Normalize(ShapeOpenPixel, open)
	require.True(t, ok)
	assert.Equal(t, EventOpened, ev.Type)
}

func TestNormalizeTimestamps(t *testing.T) {
	t.Run("epoch seconds", func(t *testing.T) {
		ev, ok := Normalize(ShapeStatus, map[string]any{"status": "Sent", "timestamp": float64(1700000123)})
		require.True(t, ok)
		assert.Equal(t, time.Unix(1700000123, 0).UTC(), ev.OccurredAt)
	})

	t.Run("epoch string", func(t *testing.T) {
		ev, ok := Normalize(ShapeStatus, map[string]any{"status": "Sent", "timestamp": "1700000123"})
		require.True(t, ok)
		assert.Equal(t, time.Unix(1700000123, 0).UTC(), ev.OccurredAt)
	})

	t.Run("iso8601 with zulu offset", func(t *testing.T) {
		ev, ok := Normalize(ShapeStatus, map[string]any{"status": "Sent", "timestamp": "2023-11-14T22:13:20Z"})
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), ev.OccurredAt)
	})

	t.Run("envelope inner timestamp", func(t *testing.T) {
		payload := map[string]any{
			"event": "MessageSent",
			"payload": map[string]any{
				"timestamp": float64(1700000456),
				"message":   map[string]any{"message_id": "m@x"},
			},
		}
		ev, ok := Normalize(ShapeEnvelope, payload)
		require.True(t, ok)
		assert.Equal(t, time.Unix(1700000456, 0).UTC(), ev.OccurredAt)
	})

	t.Run("unparseable falls back to now", func(t *testing.T) {
		before := time.Now().UTC()
		ev, ok := Normalize(ShapeStatus, map[string]any{"status": "Sent", "timestamp": "not-a-time"})
		require.True(t, ok)
		assert.False(t, ev.OccurredAt.Before(before))
		assert.False(t, ev.OccurredAt.After(time.Now().UTC()))
	})
}

func TestNormalizeCorrelationHints(t *testing.T) {
	t.Run("from metadata object", func(t *testing.T) {
		payload := map[string]any{
			"event":      "bounced",
			"error":      "mailbox full",
			"message_id": "flat@x",
			"to":         "a@b.com",
			"metadata": map[string]any{
				"tracking_uuid":   "tok-123",
				"notification_id": float64(42),
				"mail_message_id": "77",
			},
		}
		ev, ok := Normalize(ShapeFlatMetadata, payload)
		require.True(t, ok)
		assert.Equal(t, EventBounced, ev.Type)
		assert.Equal(t, "mailbox full", ev.ErrorDetail)
		assert.Equal(t, "tok-123", ev.Hints.TrackingToken)
		assert.Equal(t, "42", ev.Hints.NotificationID)
		assert.Equal(t, "77", ev.Hints.MessageID)
	})

	t.Run("from round-tripped headers", func(t *testing.T) {
		payload := map[string]any{
			"status": "Sent",
			"message": map[string]any{
				"message_id": "m@x",
				"to":         "a@b.com",
				"headers": map[string]any{
					"X-Postal-Tracking-UUID":    "tok-999",
					"X-Postal-Notification-Id":  "5",
					"X-Postal-Message-Id":       "9",
					"X-Something-Else-Entirely": "ignored",
				},
			},
		}
		ev, ok := Normalize(ShapeStatus, payload)
		require.True(t, ok)
		assert.Equal(t, "tok-999", ev.Hints.TrackingToken)
		assert.Equal(t, "5", ev.Hints.NotificationID)
		assert.Equal(t, "9", ev.Hints.MessageID)
	})

	t.Run("absent hints stay empty", func(t *testing.T) {
		ev, ok := Normalize(ShapeStatus, map[string]any{"status": "Sent"})
		require.True(t, ok)
		assert.True(t, ev.Hints.Empty())
	})
}
