package track

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/applixodoo/dr-postal/internal/postal"
)

// StateMachine applies the monotonic progression rule to a matched message:
// none < sent < delivered < opened, with bounced terminal and reachable from
// any state. States never regress; a late out-of-order event is logged by the
// caller but dropped here.
type StateMachine struct {
	store Store
}

func NewStateMachine(store Store) *StateMachine {
	return &StateMachine{store: store}
}

// Apply updates ref's tracking state for the event, mutating ref in place to
// reflect what the store recorded. The one-time bounce notice is posted when
// the store reports the bounce_notified flag flipped; Postal may deliver the
// same bounce more than once, so the flag guards the side effect.
func (sm *StateMachine) Apply(ctx context.Context, ref *MessageRef, ev postal.CanonicalEvent, eventLogID uuid.UUID) error {
	if !ShouldAdvance(ref.State, ev.Type) {
		return nil
	}

	change := StateChange{
		NotificationID: ref.NotificationID,
		Event:          ev.Type,
		LastEventID:    eventLogID,
	}
	if ev.Type == postal.EventBounced {
		change.FailureReason = ev.ErrorDetail
		if change.FailureReason == "" {
			change.FailureReason = "Email bounced (reported by Postal)"
		}
	}

	result, err := sm.store.ApplyStateChange(ctx, change)
	if err != nil {
		return fmt.Errorf("apply state change: %w", err)
	}

	if result.Applied {
		ref.State = State(ev.Type)
		ref.LastEventID = eventLogID
	}

	if result.NotifyBounce {
		body := bounceNotice(ref.Recipient, ev.ErrorDetail)
		if err := sm.store.PostThreadNotice(ctx, ref.NotificationID, body); err != nil {
			return fmt.Errorf("post bounce notice: %w", err)
		}
		ref.BounceNotified = true
	}

	return nil
}

func bounceNotice(recipient, errorDetail string) string {
	if recipient == "" {
		recipient = "the recipient"
	}
	body := fmt.Sprintf("Email to %s bounced.", recipient)
	if errorDetail != "" {
		body += "\n\n" + errorDetail
	}
	return body
}
