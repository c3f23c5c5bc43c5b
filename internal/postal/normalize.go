package postal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalize extracts a CanonicalEvent from a payload classified as shape.
// It performs no I/O. The second return value is false when the payload
// cannot be normalized after all (e.g. the status vocabulary check fails on
// closer inspection); callers treat that exactly like an unknown shape.
func Normalize(shape Shape, payload map[string]any) (CanonicalEvent, bool) {
	ev := CanonicalEvent{Raw: payload}

	var data map[string]any // envelope inner payload, when present

	switch shape {
	case ShapeBounceDetail:
		ev.Type = EventBounced
		ev.ErrorDetail = bounceDetail(asObject(payload["bounce"]))
		fillMessageFields(&ev, asObject(payload["original_message"]))

	case ShapeClick, ShapeOpenPixel:
		ev.Type = EventOpened
		fillMessageFields(&ev, messageData(payload))

	case ShapeEnvelope:
		name, _ := payload["event"].(string)
		et, ok := envelopeEvents[normalizeEventName(name)]
		if !ok {
			return CanonicalEvent{}, false
		}
		ev.Type = et
		data = asObject(payload["payload"])
		if data == nil {
			data = payload
		}
		if et == EventBounced {
			if original := asObject(data["original_message"]); original != nil {
				if bounce := asObject(data["bounce"]); bounce != nil {
					ev.ErrorDetail = bounceDetail(bounce)
				} else {
					ev.ErrorDetail = failureDetail(data)
				}
				fillMessageFields(&ev, original)
				break
			}
			ev.ErrorDetail = failureDetail(data)
		}
		fillMessageFields(&ev, messageData(data))

	case ShapeStatus:
		status, _ := payload["status"].(string)
		et, ok := statusEvents[strings.ToLower(strings.TrimSpace(status))]
		if !ok {
			return CanonicalEvent{}, false
		}
		ev.Type = et
		if et == EventBounced {
			ev.ErrorDetail = failureDetail(payload)
		}
		fillMessageFields(&ev, messageData(payload))

	case ShapeFlatMetadata:
		name, _ := payload["event"].(string)
		et, ok := flatEvents[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return CanonicalEvent{}, false
		}
		ev.Type = et
		if et == EventBounced {
			ev.ErrorDetail = asString(payload["error"])
		}
		fillMessageFields(&ev, payload)

	default:
		return CanonicalEvent{}, false
	}

	ev.OccurredAt = eventTime(payload, data)
	collectHints(&ev.Hints, asObject(payload["metadata"]))
	if data != nil {
		collectHints(&ev.Hints, asObject(data["metadata"]))
	}

	return ev, true
}

// messageData locates the object carrying message identification for the
// shapes that nest it under "message"; older variants keep it flat.
func messageData(payload map[string]any) map[string]any {
	if msg := asObject(payload["message"]); msg != nil {
		return msg
	}
	return payload
}

func fillMessageFields(ev *CanonicalEvent, msg map[string]any) {
	if msg == nil {
		return
	}
	if ev.ExternalMessageID == "" {
		ev.ExternalMessageID = asString(msg["message_id"])
	}
	if ev.Recipient == "" {
		ev.Recipient = asString(msg["to"])
	}
	if ev.Recipient == "" {
		ev.Recipient = asString(msg["recipient"])
	}
	collectHints(&ev.Hints, msg)
	collectHints(&ev.Hints, asObject(msg["headers"]))
}

// collectHints picks up tracking keys from a metadata object or from the
// round-tripped outgoing headers, wherever the shape happens to expose them.
func collectHints(hints *CorrelationHints, obj map[string]any) {
	if obj == nil {
		return
	}
	for key, value := range obj {
		v := asString(value)
		if v == "" {
			continue
		}
		switch strings.ToLower(key) {
		case "tracking_uuid", "x-postal-tracking-uuid":
			if hints.TrackingToken == "" {
				hints.TrackingToken = v
			}
		case "notification_id", "x-postal-notification-id":
			if hints.NotificationID == "" {
				hints.NotificationID = v
			}
		case "mail_message_id", "x-postal-message-id":
			if hints.MessageID == "" {
				hints.MessageID = v
			}
		}
	}
}

// eventTime resolves the event timestamp: a top-level epoch value first, then
// the envelope's inner payload, then the current time. A bad timestamp never
// rejects the event.
func eventTime(payload, data map[string]any) time.Time {
	if ts, ok := parseTimestamp(payload["timestamp"]); ok {
		return ts
	}
	if data != nil {
		if ts, ok := parseTimestamp(data["timestamp"]); ok {
			return ts
		}
	}
	return time.Now().UTC()
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if epoch, err := strconv.ParseFloat(t, 64); err == nil {
			return parseTimestamp(epoch)
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// bounceDetail formats the error text for bounce reports that carry the full
// bounce message metadata.
func bounceDetail(bounce map[string]any) string {
	from := asString(bounce["from"])
	if from == "" {
		from = "unknown"
	}
	subject := asString(bounce["subject"])
	if subject == "" {
		subject = "N/A"
	}
	return fmt.Sprintf("Bounce from: %s\nSubject: %s", from, subject)
}

// failureDetail formats the error text for generic delivery failures, which
// report a free-text detail plus the remote server's response.
func failureDetail(data map[string]any) string {
	detail := asString(data["details"])
	if output := asString(data["output"]); output != "" {
		detail += fmt.Sprintf("\n\nServer response: %s", output)
	}
	return detail
}

func asObject(v any) map[string]any {
	obj, _ := v.(map[string]any)
	return obj
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
