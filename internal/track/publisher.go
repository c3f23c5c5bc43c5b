package track

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/applixodoo/dr-postal/internal/postal"
)

// DefaultStream is the Redis stream carrying the normalized event feed.
const DefaultStream = "postal:events"

const publishTimeout = 5 * time.Second

// Publisher appends every processed event to a Redis stream so downstream
// consumers (dashboards, reputation tooling) see one normalized feed instead
// of the provider's versioned payloads. Publishing is best effort: a failure
// is logged by the caller and the webhook is still acknowledged.
type Publisher struct {
	rdb    *redis.Client
	stream string
}

func NewPublisher(rdb *redis.Client, stream string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{rdb: rdb, stream: stream}
}

// Publish appends one entry for the event. The write uses its own timeout so
// a slow Redis cannot hold the webhook request open.
func (p *Publisher) Publish(ctx context.Context, eventID uuid.UUID, ev postal.CanonicalEvent, ref *MessageRef) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	values := map[string]any{
		"event_id":    eventID.String(),
		"event_type":  string(ev.Type),
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339),
		"message_id":  ev.ExternalMessageID,
		"recipient":   ev.Recipient,
	}
	if ev.ErrorDetail != "" {
		values["error_detail"] = ev.ErrorDetail
	}
	if ref != nil {
		values["notification_id"] = strconv.FormatInt(ref.NotificationID, 10)
		values["tracking_state"] = string(ref.State)
	}

	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err()
}
