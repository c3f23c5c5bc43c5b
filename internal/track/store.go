package track

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/applixodoo/dr-postal/internal/postal"
)

// ErrNotFound is returned by store lookups when no record matches. A miss is
// an expected outcome, not a failure: the webhook is still audited unmatched.
var ErrNotFound = errors.New("track: not found")

// State is the tracking status attached to an outbound message.
type State string

const (
	StateNone      State = "none"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateOpened    State = "opened"
	StateBounced   State = "bounced"
)

// stateOrder gives each state its ordinal for the forward-only guard.
// Bounced is terminal: nothing outranks it.
var stateOrder = map[State]int{
	StateNone:      0,
	StateSent:      1,
	StateDelivered: 2,
	StateOpened:    3,
	StateBounced:   99,
}

// Ordinal returns the progression rank of a state; unknown states rank as none.
func Ordinal(s State) int {
	return stateOrder[s]
}

// ShouldAdvance reports whether an incoming event may overwrite the current
// state. Bounced always applies, even as a regression from a later state.
// This is the single authoritative guard; the store re-evaluates it inside
// its row-locked transaction so concurrent duplicate deliveries stay correct.
func ShouldAdvance(current State, event postal.EventType) bool {
	next := State(event)
	return Ordinal(next) > Ordinal(current) || next == StateBounced
}

// MessageRef identifies one previously sent outbound message together with
// its tracking status. IDs mirror the owning mail subsystem: the notification
// row is the per-recipient record, the mail message is the conversation entry.
type MessageRef struct {
	NotificationID int64
	MailMessageID  int64
	TransportID    string // Message-ID header of the outgoing mail
	Recipient      string
	TrackingToken  string
	State          State
	LastEventID    uuid.UUID
	BounceNotified bool
}

// EventLogEntry is the immutable audit record written for every processed
// webhook, matched or not.
type EventLogEntry struct {
	ID                uuid.UUID
	Type              postal.EventType
	OccurredAt        time.Time
	Payload           []byte // original payload, verbatim
	ExternalMessageID string
	Recipient         string
	ErrorDetail       string
	TrackingToken     string
	NotificationID    *int64
	MailMessageID     *int64
	CreatedAt         time.Time
}

// Summary renders the short human-readable label shown in event listings.
func (e EventLogEntry) Summary() string {
	recipient := e.Recipient
	if recipient == "" {
		recipient = "unknown"
	}
	return fmt.Sprintf("%s: %s", titleEvent(e.Type), recipient)
}

func titleEvent(t postal.EventType) string {
	switch t {
	case postal.EventSent:
		return "Sent"
	case postal.EventDelivered:
		return "Delivered"
	case postal.EventOpened:
		return "Opened"
	case postal.EventBounced:
		return "Bounced"
	}
	return string(t)
}

// StateChange describes one guarded tracking-state update.
type StateChange struct {
	NotificationID int64
	Event          postal.EventType
	LastEventID    uuid.UUID

	// FailureReason is recorded on the message ref for bounces so the owning
	// system can surface its retry UI.
	FailureReason string
}

// StateChangeResult reports what the store actually did under the row lock.
type StateChangeResult struct {
	// Applied is false when the ordinal guard rejected the update.
	Applied bool

	// NotifyBounce is true exactly once per message: the update moved it to
	// bounced and the bounce_notified flag was still clear.
	NotifyBounce bool
}

// Store is the persistence collaborator the tracking core talks to. Lookups
// return ErrNotFound on a miss. ApplyStateChange must execute the ordinal
// guard atomically per record (read-modify-write under a row lock).
type Store interface {
	MessageByNotificationID(ctx context.Context, id int64) (*MessageRef, error)
	MessageByInternalID(ctx context.Context, mailMessageID int64) (*MessageRef, error)
	MessageByTrackingToken(ctx context.Context, token string) (*MessageRef, error)
	MessageByTransportID(ctx context.Context, transportID string) (*MessageRef, error)

	ApplyStateChange(ctx context.Context, change StateChange) (StateChangeResult, error)
	SaveTrackingToken(ctx context.Context, notificationID int64, token string) error

	AppendEventLog(ctx context.Context, entry EventLogEntry) (uuid.UUID, error)
	PostThreadNotice(ctx context.Context, notificationID int64, body string) error
}
