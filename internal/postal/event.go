package postal

import "time"

// EventType is the canonical lifecycle event derived from a webhook payload.
type EventType string

func (e EventType) String() string {
	return string(e)
}

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventOpened    EventType = "opened"
	EventBounced   EventType = "bounced"
)

// CorrelationHints carries the candidate keys a payload exposes for matching
// the event back to an outbound message. Any field may be empty; the
// correlator tries them in a fixed priority order.
type CorrelationHints struct {
	TrackingToken  string `json:"trackingToken,omitempty"`
	NotificationID string `json:"internalNotificationId,omitempty"`
	MessageID      string `json:"internalMessageId,omitempty"`
}

// Empty reports whether no candidate key was found in the payload.
func (h CorrelationHints) Empty() bool {
	return h.TrackingToken == "" && h.NotificationID == "" && h.MessageID == ""
}

// CanonicalEvent is the normalized form of one webhook delivery. It is built
// per request, used to drive correlation and the state update, then discarded
// after the audit record is written.
type CanonicalEvent struct {
	Type              EventType
	OccurredAt        time.Time
	ExternalMessageID string
	Recipient         string
	ErrorDetail       string
	Hints             CorrelationHints

	// Raw is the decoded payload exactly as received, kept for the audit log.
	Raw map[string]any
}
