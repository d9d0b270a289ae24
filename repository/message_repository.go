package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aliashub/relaycore/domain"
)

// MessageRepository implements the Message Record slice of the Store
// (spec §4.1): CreateMessage, UpdateMessageStatus, and the queries the
// Forwarder's retry loop and the startup recovery scan need.
type MessageRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *pgxpool.Pool, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{db: db, logger: logger}
}

// CreateMessage inserts a new Message Record in status `accepted`.
func (r *MessageRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	const query = `
		INSERT INTO messages (
			id, message_id_header, domain_id, alias_id, envelope_sender, envelope_recipient,
			forward_to, return_path, parent_message_id, subject, size, status, attempts, bounce_token,
			headers, raw_message_path, accepted_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`
	_, err = r.db.Exec(ctx, query,
		msg.ID, msg.MessageIDHeader, msg.DomainID, msg.AliasID, msg.EnvelopeSender, msg.EnvelopeRecipient,
		msg.ForwardTo, msg.ReturnPath, msg.ParentMessageID, msg.Subject, msg.Size, msg.Status, msg.Attempts, msg.BounceToken,
		headers, msg.RawMessagePath, msg.AcceptedAt, msg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("%w: insert message: %v", domain.ErrBackend, err)
	}
	return nil
}

// UpdateMessageStatus performs a guarded state transition (spec §4.6),
// rejecting any move that ValidMessageTransition disallows.
func (r *MessageRepository) UpdateMessageStatus(ctx context.Context, id string, newStatus domain.MessageStatus, errKind domain.ErrorKind, errMsg string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrBackend, err)
	}
	defer tx.Rollback(ctx)

	var current domain.MessageStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("%w: lock message: %v", domain.ErrBackend, err)
	}

	if !domain.ValidMessageTransition(current, newStatus) {
		return fmt.Errorf("%w: invalid message transition %s -> %s", domain.ErrConflict, current, newStatus)
	}

	now := time.Now()
	var timestampColumn string
	switch newStatus {
	case domain.MessageForwarding:
		timestampColumn = "forwarding_at"
	case domain.MessageDelivered:
		timestampColumn = "delivered_at"
	case domain.MessageBounced:
		timestampColumn = "bounced_at"
	case domain.MessageFailed:
		timestampColumn = "failed_at"
	}

	query := `UPDATE messages SET status = $1, last_error_kind = $2, last_error = $3, updated_at = $4`
	args := []interface{}{newStatus, errKind, errMsg, now}
	if timestampColumn != "" {
		query += fmt.Sprintf(", %s = $%d", timestampColumn, len(args)+1)
		args = append(args, now)
	}
	if newStatus == domain.MessageForwarding {
		query += ", attempts = attempts + 1"
	}
	query += fmt.Sprintf(" WHERE id = $%d", len(args)+1)
	args = append(args, id)

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: update message status: %v", domain.ErrBackend, err)
	}

	return tx.Commit(ctx)
}

// ScheduleRetry sets the next-attempt deadline for a message awaiting
// exponential backoff (Forwarder retry policy, spec §4.6).
func (r *MessageRepository) ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE messages SET next_attempt_at = $1, updated_at = NOW() WHERE id = $2`, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("%w: schedule retry: %v", domain.ErrBackend, err)
	}
	return nil
}

// GetMessage returns a Message Record (without raw bytes) by id.
func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	const query = `
		SELECT id, message_id_header, domain_id, alias_id, envelope_sender, envelope_recipient,
			forward_to, return_path, parent_message_id, subject, size, status, attempts, last_error_kind,
			last_error, bounce_token, headers, accepted_at, forwarding_at, delivered_at,
			bounced_at, failed_at, next_attempt_at, updated_at
		FROM messages WHERE id = $1
	`
	msg, err := scanMessageRow(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: query message: %v", domain.ErrBackend, err)
	}
	return msg, nil
}

// GetDueRetries returns messages in `forwarding` whose next_attempt_at has
// elapsed, up to limit, for the Forwarder's retry scheduler to re-drive.
func (r *MessageRepository) GetDueRetries(ctx context.Context, limit int) ([]*domain.Message, error) {
	const query = `
		SELECT id, message_id_header, domain_id, alias_id, envelope_sender, envelope_recipient,
			forward_to, return_path, parent_message_id, subject, size, status, attempts, last_error_kind,
			last_error, bounce_token, headers, accepted_at, forwarding_at, delivered_at,
			bounced_at, failed_at, next_attempt_at, updated_at
		FROM messages
		WHERE status = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, domain.MessageForwarding, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query due retries: %v", domain.ErrBackend, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetDueMessages returns messages ready for the Forwarder to (re)attempt:
// freshly `accepted` records plus `forwarding` records whose next_attempt_at
// has elapsed, oldest first.
func (r *MessageRepository) GetDueMessages(ctx context.Context, limit int) ([]*domain.Message, error) {
	const query = `
		SELECT id, message_id_header, domain_id, alias_id, envelope_sender, envelope_recipient,
			forward_to, return_path, parent_message_id, subject, size, status, attempts, last_error_kind,
			last_error, bounce_token, headers, accepted_at, forwarding_at, delivered_at,
			bounced_at, failed_at, next_attempt_at, updated_at
		FROM messages
		WHERE status = $1
		   OR (status = $2 AND next_attempt_at IS NOT NULL AND next_attempt_at <= NOW())
		ORDER BY accepted_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.MessageAccepted, domain.MessageForwarding, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query due messages: %v", domain.ErrBackend, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetStuckMessages finds records in `forwarding` with no update within
// the recovery window, for the startup recovery scan (spec §7).
func (r *MessageRepository) GetStuckMessages(ctx context.Context, recoveryWindow time.Duration) ([]*domain.Message, error) {
	const query = `
		SELECT id, message_id_header, domain_id, alias_id, envelope_sender, envelope_recipient,
			forward_to, return_path, parent_message_id, subject, size, status, attempts, last_error_kind,
			last_error, bounce_token, headers, accepted_at, forwarding_at, delivered_at,
			bounced_at, failed_at, next_attempt_at, updated_at
		FROM messages
		WHERE status = $1 AND updated_at < $2
	`
	rows, err := r.db.Query(ctx, query, domain.MessageForwarding, time.Now().Add(-recoveryWindow))
	if err != nil {
		return nil, fmt.Errorf("%w: query stuck messages: %v", domain.ErrBackend, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRawMessage loads the raw message bytes stored on disk/blob storage
// for a message, by the path recorded at CreateMessage time.
func (r *MessageRepository) GetRawMessage(ctx context.Context, id string) ([]byte, error) {
	var path string
	if err := r.db.QueryRow(ctx, `SELECT raw_message_path FROM messages WHERE id = $1`, id).Scan(&path); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: query raw message path: %v", domain.ErrBackend, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read raw message %s: %v", domain.ErrBackend, path, err)
	}
	return data, nil
}

func scanMessages(rows pgx.Rows) ([]*domain.Message, error) {
	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", domain.ErrBackend, err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(rows pgx.Rows) (*domain.Message, error) {
	var msg domain.Message
	var headers []byte
	err := rows.Scan(
		&msg.ID, &msg.MessageIDHeader, &msg.DomainID, &msg.AliasID, &msg.EnvelopeSender, &msg.EnvelopeRecipient,
		&msg.ForwardTo, &msg.ReturnPath, &msg.ParentMessageID, &msg.Subject, &msg.Size, &msg.Status, &msg.Attempts, &msg.LastErrorKind,
		&msg.LastError, &msg.BounceToken, &headers, &msg.AcceptedAt, &msg.ForwardingAt, &msg.DeliveredAt,
		&msg.BouncedAt, &msg.FailedAt, &msg.NextAttemptAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &msg, nil
}

func scanMessageRow(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var headers []byte
	err := row.Scan(
		&msg.ID, &msg.MessageIDHeader, &msg.DomainID, &msg.AliasID, &msg.EnvelopeSender, &msg.EnvelopeRecipient,
		&msg.ForwardTo, &msg.ReturnPath, &msg.ParentMessageID, &msg.Subject, &msg.Size, &msg.Status, &msg.Attempts, &msg.LastErrorKind,
		&msg.LastError, &msg.BounceToken, &headers, &msg.AcceptedAt, &msg.ForwardingAt, &msg.DeliveredAt,
		&msg.BouncedAt, &msg.FailedAt, &msg.NextAttemptAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &msg, nil
}
