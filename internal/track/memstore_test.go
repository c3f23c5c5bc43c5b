package track

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/applixodoo/dr-postal/internal/postal"
)

// memStore is an in-memory Store for tests. ApplyStateChange runs the same
// ordinal guard the real store executes under its row lock.
type memStore struct {
	mu       sync.Mutex
	messages map[int64]*MessageRef
	logs     []EventLogEntry
	notices  map[int64][]string

	lookupErr error // when set, every finder fails with it
}

func newMemStore(refs ...*MessageRef) *memStore {
	s := &memStore{
		messages: make(map[int64]*MessageRef),
		notices:  make(map[int64][]string),
	}
	for _, ref := range refs {
		s.messages[ref.NotificationID] = ref
	}
	return s
}

func (s *memStore) MessageByNotificationID(_ context.Context, id int64) (*MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	if ref, ok := s.messages[id]; ok {
		copied := *ref
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (s *memStore) MessageByInternalID(_ context.Context, mailMessageID int64) (*MessageRef, error) {
	return s.find(func(ref *MessageRef) bool { return ref.MailMessageID == mailMessageID })
}

func (s *memStore) MessageByTrackingToken(_ context.Context, token string) (*MessageRef, error) {
	return s.find(func(ref *MessageRef) bool { return ref.TrackingToken == token })
}

func (s *memStore) MessageByTransportID(_ context.Context, transportID string) (*MessageRef, error) {
	return s.find(func(ref *MessageRef) bool { return ref.TransportID == transportID })
}

func (s *memStore) find(match func(*MessageRef) bool) (*MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	for _, ref := range s.messages {
		if match(ref) {
			copied := *ref
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) ApplyStateChange(_ context.Context, change StateChange) (StateChangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.messages[change.NotificationID]
	if !ok {
		return StateChangeResult{}, ErrNotFound
	}
	if !ShouldAdvance(ref.State, change.Event) {
		return StateChangeResult{}, nil
	}

	ref.State = State(change.Event)
	ref.LastEventID = change.LastEventID

	result := StateChangeResult{Applied: true}
	if change.Event == postal.EventBounced && !ref.BounceNotified {
		ref.BounceNotified = true
		result.NotifyBounce = true
	}
	return result, nil
}

func (s *memStore) SaveTrackingToken(_ context.Context, notificationID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.messages[notificationID]
	if !ok {
		return ErrNotFound
	}
	if ref.TrackingToken != "" {
		return errors.New("token already set")
	}
	ref.TrackingToken = token
	return nil
}

func (s *memStore) AppendEventLog(_ context.Context, entry EventLogEntry) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return entry.ID, nil
}

func (s *memStore) PostThreadNotice(_ context.Context, notificationID int64, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices[notificationID] = append(s.notices[notificationID], body)
	return nil
}

func (s *memStore) ref(id int64) MessageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}
