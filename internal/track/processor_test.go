package track

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bouncedEnvelope() map[string]any {
	return map[string]any{
		"event":     "MessageBounced",
		"timestamp": float64(1700000000),
		"payload": map[string]any{
			"original_message": map[string]any{"message_id": "abc@x", "to": "a@b.com"},
			"bounce":           map[string]any{"from": "mx@y.com", "subject": "test"},
		},
	}
}

func TestProcessMatchedBounce(t *testing.T) {
	store := newMemStore(&MessageRef{
		NotificationID: 1,
		MailMessageID:  11,
		TransportID:    "<abc@x>",
		Recipient:      "a@b.com",
		State:          StateSent,
	})
	p := NewProcessor(store, nil)

	res, err := p.Process(context.Background(), bouncedEnvelope())
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.True(t, res.Matched)
	assert.NotEqual(t, uuid.Nil, res.EventID)

	require.Len(t, store.logs, 1)
	entry := store.logs[0]
	assert.Equal(t, res.EventID, entry.ID)
	require.NotNil(t, entry.NotificationID)
	assert.Equal(t, int64(1), *entry.NotificationID)
	require.NotNil(t, entry.MailMessageID)
	assert.Equal(t, int64(11), *entry.MailMessageID)
	assert.Equal(t, "Bounced: a@b.com", entry.Summary())
	assert.Contains(t, string(entry.Payload), "MessageBounced")

	ref := store.ref(1)
	assert.Equal(t, StateBounced, ref.State)
	assert.Equal(t, res.EventID, ref.LastEventID)
	require.Len(t, store.notices[1], 1)
}

func TestProcessUnknownShapeIgnored(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, nil)

	res, err := p.Process(context.Background(), map[string]any{"foo": "bar"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	// No canonical event could be formed, so nothing is audited.
	assert.Empty(t, store.logs)
}

func TestProcessCorrelationMissStillLogged(t *testing.T) {
	store := newMemStore() // no messages at all
	p := NewProcessor(store, nil)

	res, err := p.Process(context.Background(), bouncedEnvelope())
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.False(t, res.Matched)

	require.Len(t, store.logs, 1)
	assert.Nil(t, store.logs[0].NotificationID)
	assert.Nil(t, store.logs[0].MailMessageID)
	assert.Equal(t, "a@b.com", store.logs[0].Recipient)
}

func TestProcessCorrelationErrorRecordsUnmatched(t *testing.T) {
	store := newMemStore(&MessageRef{NotificationID: 1, TransportID: "<abc@x>"})
	store.lookupErr = errors.New("db gone away")
	p := NewProcessor(store, nil)

	res, err := p.Process(context.Background(), bouncedEnvelope())
	require.NoError(t, err)
	assert.False(t, res.Matched)
	require.Len(t, store.logs, 1)
	assert.Nil(t, store.logs[0].NotificationID)
}

func TestProcessDuplicateSentLoggedTwice(t *testing.T) {
	store := newMemStore(&MessageRef{NotificationID: 1, TransportID: "<m@x>", State: StateNone})
	p := NewProcessor(store, nil)

	payload := map[string]any{
		"status":  "Sent",
		"message": map[string]any{"message_id": "m@x", "to": "a@b.com"},
	}

	_, err := p.Process(context.Background(), payload)
	require.NoError(t, err)
	_, err = p.Process(context.Background(), payload)
	require.NoError(t, err)

	// Duplicates are audited both times but mutate state only once.
	assert.Len(t, store.logs, 2)
	assert.Equal(t, StateSent, store.ref(1).State)
	assert.Equal(t, store.logs[0].ID, store.ref(1).LastEventID)
}
