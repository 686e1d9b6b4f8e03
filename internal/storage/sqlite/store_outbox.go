package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/signet/internal/storage"
)

const outboxColumns = `
	id,
	event_type,
	payload_json,
	dedupe_key,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at
`

type outboxScanner func(dest ...any) error

func scanOutboxMessage(scan outboxScanner) (storage.OutboxMessage, error) {
	var message storage.OutboxMessage
	var nextAttemptAt, createdAt, updatedAt int64
	var leaseExpiresAt, processedAt sql.NullInt64
	if err := scan(
		&message.ID,
		&message.EventType,
		&message.PayloadJSON,
		&message.DedupeKey,
		&message.Status,
		&message.AttemptCount,
		&nextAttemptAt,
		&message.LeaseOwner,
		&leaseExpiresAt,
		&message.LastError,
		&processedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.OutboxMessage{}, err
	}
	message.NextAttemptAt = fromMillis(nextAttemptAt)
	message.CreatedAt = fromMillis(createdAt)
	message.UpdatedAt = fromMillis(updatedAt)
	if leaseExpiresAt.Valid {
		value := fromMillis(leaseExpiresAt.Int64)
		message.LeaseExpiresAt = &value
	}
	if processedAt.Valid {
		value := fromMillis(processedAt.Int64)
		message.ProcessedAt = &value
	}
	return message, nil
}

func normalizeOutboxMessage(message storage.OutboxMessage) (storage.OutboxMessage, error) {
	message.ID = strings.TrimSpace(message.ID)
	message.EventType = strings.TrimSpace(message.EventType)
	message.PayloadJSON = strings.TrimSpace(message.PayloadJSON)
	message.DedupeKey = strings.TrimSpace(message.DedupeKey)
	message.Status = strings.TrimSpace(message.Status)
	message.LeaseOwner = strings.TrimSpace(message.LeaseOwner)
	message.LastError = strings.TrimSpace(message.LastError)
	if message.ID == "" {
		return storage.OutboxMessage{}, fmt.Errorf("outbox message id is required")
	}
	if message.EventType == "" {
		return storage.OutboxMessage{}, fmt.Errorf("outbox event type is required")
	}
	if message.PayloadJSON == "" {
		message.PayloadJSON = "{}"
	}
	if message.Status == "" {
		message.Status = storage.OutboxStatusPending
	}
	if message.AttemptCount < 0 {
		return storage.OutboxMessage{}, fmt.Errorf("attempt count must be greater than or equal to zero")
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	if message.UpdatedAt.IsZero() {
		message.UpdatedAt = message.CreatedAt
	}
	if message.NextAttemptAt.IsZero() {
		message.NextAttemptAt = message.CreatedAt
	}
	return message, nil
}

// enqueueOutboxMessage inserts a message using the caller's transaction so
// producers record events atomically with their state change. A dedupe key
// collision is a no-op, not a duplicate row.
func enqueueOutboxMessage(ctx context.Context, target execContexter, message storage.OutboxMessage) error {
	normalized, err := normalizeOutboxMessage(message)
	if err != nil {
		return err
	}

	var leaseExpiresAt sql.NullInt64
	if normalized.LeaseExpiresAt != nil {
		leaseExpiresAt = sql.NullInt64{Int64: toMillis(normalized.LeaseExpiresAt.UTC()), Valid: true}
	}
	var processedAt sql.NullInt64
	if normalized.ProcessedAt != nil {
		processedAt = sql.NullInt64{Int64: toMillis(normalized.ProcessedAt.UTC()), Valid: true}
	}

	_, err = target.ExecContext(ctx, `
INSERT INTO outbox_messages (
	id,
	event_type,
	payload_json,
	dedupe_key,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dedupe_key) WHERE dedupe_key <> '' DO NOTHING
`,
		normalized.ID,
		normalized.EventType,
		normalized.PayloadJSON,
		normalized.DedupeKey,
		normalized.Status,
		normalized.AttemptCount,
		toMillis(normalized.NextAttemptAt),
		normalized.LeaseOwner,
		leaseExpiresAt,
		normalized.LastError,
		processedAt,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	return nil
}

// EnqueueOutboxMessage inserts a message outside a producer transaction.
func (s *Store) EnqueueOutboxMessage(ctx context.Context, message storage.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return enqueueOutboxMessage(ctx, s.sqlDB, message)
}

// GetOutboxMessage returns one outbox message by ID.
func (s *Store) GetOutboxMessage(ctx context.Context, id string) (storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxMessage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.OutboxMessage{}, fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return storage.OutboxMessage{}, fmt.Errorf("message id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+outboxColumns+`
FROM outbox_messages
WHERE id = ?
`, id)
	message, err := scanOutboxMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OutboxMessage{}, storage.ErrNotFound
		}
		return storage.OutboxMessage{}, fmt.Errorf("get outbox message: %w", err)
	}
	return message, nil
}

// LeaseOutboxMessages leases due outbox messages for one dispatcher.
func (s *Store) LeaseOutboxMessages(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	leaseExpiresAt := now.Add(leaseTTL)

	var leased []storage.OutboxMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id
FROM outbox_messages
WHERE (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
ORDER BY next_attempt_at ASC, created_at ASC, id ASC
LIMIT ?
`,
			storage.OutboxStatusPending,
			toMillis(now),
			storage.OutboxStatusLeased,
			toMillis(now),
			limit,
		)
		if err != nil {
			return fmt.Errorf("select lease candidates: %w", err)
		}
		candidateIDs := make([]string, 0, limit)
		for rows.Next() {
			var id string
			if scanErr := rows.Scan(&id); scanErr != nil {
				_ = rows.Close()
				return fmt.Errorf("scan lease candidate: %w", scanErr)
			}
			candidateIDs = append(candidateIDs, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate lease candidates: %w", err)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close lease candidates: %w", err)
		}

		leased = make([]storage.OutboxMessage, 0, len(candidateIDs))
		for _, id := range candidateIDs {
			result, updateErr := tx.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = ?,
	lease_owner = ?,
	lease_expires_at = ?,
	updated_at = ?
WHERE id = ?
AND (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
`,
				storage.OutboxStatusLeased,
				owner,
				toMillis(leaseExpiresAt),
				toMillis(now),
				id,
				storage.OutboxStatusPending,
				toMillis(now),
				storage.OutboxStatusLeased,
				toMillis(now),
			)
			if updateErr != nil {
				return fmt.Errorf("lease outbox message %s: %w", id, updateErr)
			}
			rowsAffected, rowsErr := result.RowsAffected()
			if rowsErr != nil {
				return fmt.Errorf("lease rows affected for %s: %w", id, rowsErr)
			}
			if rowsAffected == 0 {
				continue
			}

			row := tx.QueryRowContext(ctx, `
SELECT `+outboxColumns+`
FROM outbox_messages
WHERE id = ?
`, id)
			message, scanErr := scanOutboxMessage(row.Scan)
			if scanErr != nil {
				return fmt.Errorf("scan leased outbox message %s: %w", id, scanErr)
			}
			leased = append(leased, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// MarkOutboxSucceeded marks one leased outbox message as succeeded.
func (s *Store) MarkOutboxSucceeded(ctx context.Context, id string, owner string, processedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" {
		return fmt.Errorf("message id is required")
	}
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	processedAt = processedAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = '',
	processed_at = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.OutboxStatusSucceeded,
		toMillis(processedAt),
		toMillis(processedAt),
		id,
		storage.OutboxStatusLeased,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark outbox succeeded: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox succeeded rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkOutboxRetry releases one leased outbox message for a later attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, owner string, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("message id is required")
	}
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	now := time.Now().UTC()
	nextAttemptAt = nextAttemptAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = ?,
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	processed_at = NULL,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.OutboxStatusPending,
		toMillis(nextAttemptAt),
		lastError,
		toMillis(now),
		id,
		storage.OutboxStatusLeased,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark outbox retry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox retry rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkOutboxDead marks one leased outbox message as permanently failed.
func (s *Store) MarkOutboxDead(ctx context.Context, id string, owner string, lastError string, processedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("message id is required")
	}
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	processedAt = processedAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = ?,
	attempt_count = attempt_count + 1,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	processed_at = ?,
	updated_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		storage.OutboxStatusDead,
		lastError,
		toMillis(processedAt),
		toMillis(processedAt),
		id,
		storage.OutboxStatusLeased,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark outbox dead: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox dead rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
