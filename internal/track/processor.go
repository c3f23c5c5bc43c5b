package track

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/applixodoo/dr-postal/internal/pkg/logger"
	"github.com/applixodoo/dr-postal/internal/postal"
)

// Result summarizes what Process did with one webhook delivery.
type Result struct {
	// Ignored is true when the payload could not be classified; the caller
	// still acknowledges with 200 so Postal does not retry an event that can
	// never be processed.
	Ignored bool

	// EventID is the audit record id, set unless Ignored.
	EventID uuid.UUID

	// Matched is true when correlation found the outbound message.
	Matched bool
}

// Processor runs the full pipeline for one webhook delivery:
// detect -> normalize -> correlate -> audit log -> state update -> publish.
// Each call is an independent unit of work; ordering and duplicate delivery
// are compensated for by the ordinal guard and the bounce_notified flag, not
// by anything here.
type Processor struct {
	store      Store
	correlator *Correlator
	states     *StateMachine
	publisher  *Publisher
}

// NewProcessor wires a processor. publisher may be nil when the event stream
// is disabled.
func NewProcessor(store Store, publisher *Publisher) *Processor {
	return &Processor{
		store:      store,
		correlator: NewCorrelator(store),
		states:     NewStateMachine(store),
		publisher:  publisher,
	}
}

// Process handles one decoded webhook payload. It returns an error only for
// failures the caller should surface as a 500; unknown shapes and correlation
// misses degrade to acknowledged no-ops.
func (p *Processor) Process(ctx context.Context, payload map[string]any) (Result, error) {
	shape := postal.Detect(payload)
	if shape == postal.ShapeUnknown {
		logger.Warn("unrecognized webhook shape, ignoring", "keys", payloadKeys(payload))
		return Result{Ignored: true}, nil
	}

	ev, ok := postal.Normalize(shape, payload)
	if !ok {
		logger.Warn("payload failed normalization, ignoring", "shape", shape)
		return Result{Ignored: true}, nil
	}

	// A correlation failure (store down, bad hint) must not lose the event:
	// log it and record the event unmatched. No retry.
	ref, err := p.correlator.Correlate(ctx, ev)
	if err != nil {
		logger.Error("correlation lookup failed, recording event unmatched",
			"error", err, "event_type", ev.Type, "message_id", ev.ExternalMessageID)
		ref = nil
	}
	if ref == nil {
		logger.Info("no matching message for event",
			"event_type", ev.Type, "message_id", ev.ExternalMessageID, "recipient", ev.Recipient)
	}

	entry := buildLogEntry(ev, ref)
	eventID, err := p.store.AppendEventLog(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("append event log: %w", err)
	}

	if ref != nil {
		if err := p.states.Apply(ctx, ref, ev, eventID); err != nil {
			return Result{}, err
		}
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, eventID, ev, ref); err != nil {
			logger.Error("event stream publish failed", "error", err, "event_id", eventID)
		}
	}

	logger.Info("processed webhook event",
		"event_type", ev.Type, "event_id", eventID, "recipient", ev.Recipient, "matched", ref != nil)

	return Result{EventID: eventID, Matched: ref != nil}, nil
}

func buildLogEntry(ev postal.CanonicalEvent, ref *MessageRef) EventLogEntry {
	raw, err := json.Marshal(ev.Raw)
	if err != nil {
		raw = []byte("{}")
	}

	entry := EventLogEntry{
		ID:                uuid.New(),
		Type:              ev.Type,
		OccurredAt:        ev.OccurredAt,
		Payload:           raw,
		ExternalMessageID: ev.ExternalMessageID,
		Recipient:         ev.Recipient,
		ErrorDetail:       ev.ErrorDetail,
		TrackingToken:     ev.Hints.TrackingToken,
		CreatedAt:         time.Now().UTC(),
	}

	if ref != nil {
		notificationID := ref.NotificationID
		entry.NotificationID = &notificationID
		if ref.MailMessageID > 0 {
			mailMessageID := ref.MailMessageID
			entry.MailMessageID = &mailMessageID
		}
		if ref.TrackingToken != "" {
			entry.TrackingToken = ref.TrackingToken
		}
	}

	return entry
}

func payloadKeys(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out, _ := json.Marshal(keys)
	return string(out)
}
