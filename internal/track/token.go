package track

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/applixodoo/dr-postal/internal/postal"
)

// Outgoing header names echoed back by Postal in webhook metadata. These are
// the round-trip mechanism behind the trackingToken correlation hint.
const (
	HeaderTrackingUUID   = "X-Postal-Tracking-UUID"
	HeaderNotificationID = "X-Postal-Notification-Id"
	HeaderMessageID      = "X-Postal-Message-Id"
)

// TokenIssuer stamps outgoing mail with tracking headers. The token is
// generated lazily on first send and persists for the life of the message.
type TokenIssuer struct {
	store Store
}

func NewTokenIssuer(store Store) *TokenIssuer {
	return &TokenIssuer{store: store}
}

// PrepareHeaders returns the tracking header set for one outgoing message,
// generating and persisting the token if the message does not have one yet,
// and advances a fresh message's state to sent. Calling it again for the same
// message returns the same token.
func (ti *TokenIssuer) PrepareHeaders(ctx context.Context, notificationID int64) (map[string]string, error) {
	ref, err := ti.store.MessageByNotificationID(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}

	token := ref.TrackingToken
	if token == "" {
		token = uuid.NewString()
		if err := ti.store.SaveTrackingToken(ctx, ref.NotificationID, token); err != nil {
			return nil, fmt.Errorf("save tracking token: %w", err)
		}
	}

	headers := map[string]string{
		HeaderTrackingUUID:   token,
		HeaderNotificationID: strconv.FormatInt(ref.NotificationID, 10),
	}
	if ref.MailMessageID > 0 {
		headers[HeaderMessageID] = strconv.FormatInt(ref.MailMessageID, 10)
	}

	if ref.State == StateNone {
		_, err := ti.store.ApplyStateChange(ctx, StateChange{
			NotificationID: ref.NotificationID,
			Event:          postal.EventSent,
			LastEventID:    uuid.Nil,
		})
		if err != nil {
			return nil, fmt.Errorf("mark sent: %w", err)
		}
	}

	return headers, nil
}
