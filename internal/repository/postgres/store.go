// Package postgres implements the persistence collaborator for webhook
// tracking: outbound message lookups, the guarded tracking-state update, the
// append-only event log and thread notices.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/google/uuid"

	"github.com/applixodoo/dr-postal/internal/postal"
	"github.com/applixodoo/dr-postal/internal/track"
)

//go:embed schema.sql
var schema string

// Store implements track.Store against PostgreSQL.
type Store struct{ db *sql.DB }

// New creates a Postgres-backed tracking store.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Migrate creates the tracking tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const messageColumns = `
	id, mail_message_id, transport_message_id, recipient,
	tracking_token, postal_state, last_event_id, bounce_notified`

func (s *Store) MessageByNotificationID(ctx context.Context, id int64) (*track.MessageRef, error) {
	return s.queryMessage(ctx, `WHERE id = $1`, id)
}

func (s *Store) MessageByInternalID(ctx context.Context, mailMessageID int64) (*track.MessageRef, error) {
	return s.queryMessage(ctx, `WHERE mail_message_id = $1 ORDER BY id LIMIT 1`, mailMessageID)
}

func (s *Store) MessageByTrackingToken(ctx context.Context, token string) (*track.MessageRef, error) {
	return s.queryMessage(ctx, `WHERE tracking_token = $1 LIMIT 1`, token)
}

func (s *Store) MessageByTransportID(ctx context.Context, transportID string) (*track.MessageRef, error) {
	return s.queryMessage(ctx, `WHERE transport_message_id = $1 ORDER BY id LIMIT 1`, transportID)
}

func (s *Store) queryMessage(ctx context.Context, where string, arg any) (*track.MessageRef, error) {
	ref := &track.MessageRef{}
	var lastEvent uuid.NullUUID
	err := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM outbound_messages `+where, arg,
	).Scan(
		&ref.NotificationID, &ref.MailMessageID, &ref.TransportID, &ref.Recipient,
		&ref.TrackingToken, &ref.State, &lastEvent, &ref.BounceNotified,
	)
	if err == sql.ErrNoRows {
		return nil, track.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	if lastEvent.Valid {
		ref.LastEventID = lastEvent.UUID
	}
	return ref, nil
}

// ApplyStateChange runs the ordinal guard as a read-modify-write under a row
// lock, so concurrent duplicate deliveries for the same message serialize
// here and the bounce_notified flag flips exactly once.
func (s *Store) ApplyStateChange(ctx context.Context, change track.StateChange) (track.StateChangeResult, error) {
	var result track.StateChangeResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current track.State
	var notified bool
	err = tx.QueryRowContext(ctx, `
		SELECT postal_state, bounce_notified
		FROM outbound_messages
		WHERE id = $1
		FOR UPDATE
	`, change.NotificationID).Scan(&current, &notified)
	if err == sql.ErrNoRows {
		return result, track.ErrNotFound
	}
	if err != nil {
		return result, fmt.Errorf("lock message: %w", err)
	}

	if !track.ShouldAdvance(current, change.Event) {
		return result, tx.Commit()
	}

	bounced := change.Event == postal.EventBounced
	_, err = tx.ExecContext(ctx, `
		UPDATE outbound_messages
		SET postal_state = $2,
		    last_event_id = $3,
		    bounce_notified = bounce_notified OR $4,
		    failure_reason = CASE WHEN $4 THEN $5 ELSE failure_reason END,
		    updated_at = NOW()
		WHERE id = $1
	`, change.NotificationID, string(change.Event), nullUUID(change.LastEventID), bounced, change.FailureReason)
	if err != nil {
		return result, fmt.Errorf("update state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit: %w", err)
	}

	result.Applied = true
	result.NotifyBounce = bounced && !notified
	return result, nil
}

func (s *Store) SaveTrackingToken(ctx context.Context, notificationID int64, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET tracking_token = $2, updated_at = NOW()
		WHERE id = $1 AND tracking_token = ''
	`, notificationID, token)
	if err != nil {
		return fmt.Errorf("save tracking token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT TRUE FROM outbound_messages WHERE id = $1`, notificationID,
		).Scan(&exists)
		if err == sql.ErrNoRows {
			return track.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("save tracking token: %w", err)
		}
		// Token already set by a concurrent send; keep the first one.
	}
	return nil
}

func (s *Store) AppendEventLog(ctx context.Context, entry track.EventLogEntry) (uuid.UUID, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO postal_events
			(id, event_type, occurred_at, payload, external_message_id,
			 recipient, error_detail, tracking_token, notification_id, mail_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, string(entry.Type), entry.OccurredAt, entry.Payload,
		entry.ExternalMessageID, entry.Recipient, entry.ErrorDetail,
		entry.TrackingToken, entry.NotificationID, entry.MailMessageID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("append event log: %w", err)
	}
	return entry.ID, nil
}

func (s *Store) PostThreadNotice(ctx context.Context, notificationID int64, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_notices (id, notification_id, body)
		VALUES ($1, $2, $3)
	`, uuid.New(), notificationID, body)
	if err != nil {
		return fmt.Errorf("post thread notice: %w", err)
	}
	return nil
}

const eventColumns = `
	id, event_type, occurred_at, payload, external_message_id,
	recipient, error_detail, tracking_token, notification_id, mail_message_id, created_at`

// EventsByMailMessage returns the audit records matched to one conversation
// message, newest first.
func (s *Store) EventsByMailMessage(ctx context.Context, mailMessageID int64) ([]track.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM postal_events
		WHERE mail_message_id = $1
		ORDER BY occurred_at DESC, created_at DESC
	`, mailMessageID)
	if err != nil {
		return nil, fmt.Errorf("list message events: %w", err)
	}
	return scanEvents(rows)
}

// RecentEvents returns the newest audit records across all messages,
// including unmatched ones (the operator's view for chasing missing links).
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]track.EventLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM postal_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]track.EventLogEntry, error) {
	defer rows.Close()
	var out []track.EventLogEntry
	for rows.Next() {
		var e track.EventLogEntry
		if err := rows.Scan(
			&e.ID, &e.Type, &e.OccurredAt, &e.Payload, &e.ExternalMessageID,
			&e.Recipient, &e.ErrorDetail, &e.TrackingToken,
			&e.NotificationID, &e.MailMessageID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
