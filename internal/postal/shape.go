package postal

import "strings"

// Shape identifies which webhook schema variant a payload matches. Postal
// changed its payload layout across server versions, so classification is
// structural: no single field is present in every variant.
type Shape int

const (
	ShapeUnknown Shape = iota

	// ShapeBounceDetail has "original_message" and "bounce" objects.
	ShapeBounceDetail

	// ShapeClick has a top-level "url" and no event envelope.
	ShapeClick

	// ShapeOpenPixel has "ip_address" but no "status" or "url".
	ShapeOpenPixel

	// ShapeEnvelope wraps the real data in {"event": "...", "payload": {...}}.
	ShapeEnvelope

	// ShapeStatus is the flat status report (Sent, Delayed, DeliveryFailed, ...).
	ShapeStatus

	// ShapeFlatMetadata is the oldest variant: flat fields plus a "metadata"
	// object carrying the tracking keys round-tripped from outgoing headers.
	ShapeFlatMetadata
)

var shapeNames = map[Shape]string{
	ShapeUnknown:      "unknown",
	ShapeBounceDetail: "bounce_detail",
	ShapeClick:        "click",
	ShapeOpenPixel:    "open_pixel",
	ShapeEnvelope:     "envelope",
	ShapeStatus:       "status",
	ShapeFlatMetadata: "flat_metadata",
}

func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return "unknown"
}

// envelopeEvents maps Postal envelope event names to canonical types. Names
// are matched after lowercasing and stripping underscores, which covers the
// lowercase and snake_case variants older servers emit.
var envelopeEvents = map[string]EventType{
	"messagesent":           EventSent,
	"messagedelayed":        EventSent,
	"messageheld":           EventSent,
	"messagedelivered":      EventDelivered,
	"messagedeliveryfailed": EventBounced,
	"messagebounced":        EventBounced,
	"messagelinkclicked":    EventOpened,
	"messageloaded":         EventOpened,
}

// statusEvents maps "status" field values to canonical types.
var statusEvents = map[string]EventType{
	"sent":           EventSent,
	"delayed":        EventSent,
	"held":           EventSent,
	"delivered":      EventDelivered,
	"deliveryfailed": EventBounced,
	"hardfail":       EventBounced,
	"softfail":       EventBounced,
	"bounced":        EventBounced,
}

// flatEvents maps the simple lifecycle words used by the flat-metadata
// variant, including the aliases seen in production.
var flatEvents = map[string]EventType{
	"sent":      EventSent,
	"delivered": EventDelivered,
	"delivery":  EventDelivered,
	"opened":    EventOpened,
	"open":      EventOpened,
	"clicked":   EventOpened,
	"click":     EventOpened,
	"bounced":   EventBounced,
	"bounce":    EventBounced,
}

func normalizeEventName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "")
}

// Detect classifies a decoded payload into one of the known shapes. Checks run
// in a fixed order because the shapes are not mutually exclusive by field
// presence alone. ShapeUnknown is not an error; the caller acknowledges and
// drops such payloads.
func Detect(payload map[string]any) Shape {
	if payload == nil {
		return ShapeUnknown
	}

	_, hasOriginal := payload["original_message"]
	_, hasBounce := payload["bounce"]
	if hasOriginal && hasBounce {
		return ShapeBounceDetail
	}

	_, hasEvent := payload["event"]

	if _, ok := payload["url"]; ok && !hasEvent {
		return ShapeClick
	}

	_, hasStatus := payload["status"]
	if _, ok := payload["ip_address"]; ok && !hasStatus {
		return ShapeOpenPixel
	}

	if name, ok := payload["event"].(string); ok {
		if _, known := envelopeEvents[normalizeEventName(name)]; known {
			return ShapeEnvelope
		}
	}

	if status, ok := payload["status"].(string); ok {
		if _, known := statusEvents[strings.ToLower(strings.TrimSpace(status))]; known {
			return ShapeStatus
		}
	}

	if _, ok := payload["metadata"].(map[string]any); ok {
		if name, ok := payload["event"].(string); ok {
			if _, known := flatEvents[strings.ToLower(strings.TrimSpace(name))]; known {
				return ShapeFlatMetadata
			}
		}
	}

	return ShapeUnknown
}
