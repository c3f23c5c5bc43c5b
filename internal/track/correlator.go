package track

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/applixodoo/dr-postal/internal/postal"
)

// Correlator matches a canonical event to the outbound message it describes.
//
// Candidate keys are tried in a fixed priority order; the first hit wins.
// There is deliberately no fallback heuristic (e.g. matching on recipient
// address): an ambiguous match is worse than no match.
type Correlator struct {
	store Store
}

func NewCorrelator(store Store) *Correlator {
	return &Correlator{store: store}
}

// Correlate returns the matched message ref, or nil when nothing matched.
// A nil result is not an error; the caller still writes the audit record.
func (c *Correlator) Correlate(ctx context.Context, ev postal.CanonicalEvent) (*MessageRef, error) {
	if id, ok := parseID(ev.Hints.NotificationID); ok {
		ref, err := swallowMiss(c.store.MessageByNotificationID(ctx, id))
		if ref != nil || err != nil {
			return ref, err
		}
	}

	if ev.Hints.TrackingToken != "" {
		ref, err := c.store.MessageByTrackingToken(ctx, ev.Hints.TrackingToken)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}

	if id, ok := parseID(ev.Hints.MessageID); ok {
		ref, err := swallowMiss(c.store.MessageByInternalID(ctx, id))
		if ref != nil || err != nil {
			return ref, err
		}
	}

	if ev.ExternalMessageID != "" {
		ref, err := c.store.MessageByTransportID(ctx, ev.ExternalMessageID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}

		// The provider may echo the Message-ID without the angle brackets it
		// was sent with; retry quoted.
		quoted := fmt.Sprintf("<%s>", ev.ExternalMessageID)
		ref, err = c.store.MessageByTransportID(ctx, quoted)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}

	return nil, nil
}

func swallowMiss(ref *MessageRef, err error) (*MessageRef, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return ref, err
}

func parseID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
