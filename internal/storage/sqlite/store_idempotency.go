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

const idempotencyColumns = `
	key,
	request_fingerprint,
	status,
	response_status,
	response_body,
	created_at,
	updated_at,
	expires_at
`

type idempotencyScanner func(dest ...any) error

func scanIdempotencyRecord(scan idempotencyScanner) (storage.IdempotencyRecord, error) {
	var record storage.IdempotencyRecord
	var createdAt, updatedAt, expiresAt int64
	var body []byte
	if err := scan(
		&record.Key,
		&record.Fingerprint,
		&record.Status,
		&record.ResponseStatus,
		&body,
		&createdAt,
		&updatedAt,
		&expiresAt,
	); err != nil {
		return storage.IdempotencyRecord{}, err
	}
	record.ResponseBody = body
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	record.ExpiresAt = fromMillis(expiresAt)
	return record, nil
}

// InsertIdempotencyRecord inserts a fresh in-progress record.
func (s *Store) InsertIdempotencyRecord(ctx context.Context, record storage.IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	record.Key = strings.TrimSpace(record.Key)
	record.Fingerprint = strings.TrimSpace(record.Fingerprint)
	if record.Key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if record.Fingerprint == "" {
		return fmt.Errorf("request fingerprint is required")
	}
	if record.Status == "" {
		record.Status = storage.IdempotencyStatusInProgress
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("idempotency record expiry is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO idempotency_records (
	key,
	request_fingerprint,
	status,
	response_status,
	response_body,
	created_at,
	updated_at,
	expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.Key,
		record.Fingerprint,
		record.Status,
		record.ResponseStatus,
		record.ResponseBody,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		toMillis(record.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// GetIdempotencyRecord returns the record for key.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (storage.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdempotencyRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IdempotencyRecord{}, fmt.Errorf("storage is not configured")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return storage.IdempotencyRecord{}, fmt.Errorf("idempotency key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+idempotencyColumns+`
FROM idempotency_records
WHERE key = ?
`, key)
	record, err := scanIdempotencyRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.IdempotencyRecord{}, storage.ErrNotFound
		}
		return storage.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return record, nil
}

// FinishIdempotencyRecord transitions an in-progress record to a terminal
// status, persisting the response for replay.
func (s *Store) FinishIdempotencyRecord(ctx context.Context, key string, status string, responseStatus int, responseBody []byte, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if status != storage.IdempotencyStatusCompleted && status != storage.IdempotencyStatusFailed {
		return fmt.Errorf("finish status must be terminal, got %q", status)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE idempotency_records
SET
	status = ?,
	response_status = ?,
	response_body = ?,
	updated_at = ?
WHERE key = ?
AND status = ?
`,
		status,
		responseStatus,
		responseBody,
		toMillis(now),
		key,
		storage.IdempotencyStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish idempotency record rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotActive
	}
	return nil
}

// TakeOverIdempotencyRecord adopts an abandoned in-progress record. The
// conditional update on updated_at is the arbitration point: of several
// waiters racing to adopt the same stale record, exactly one refreshes it.
func (s *Store) TakeOverIdempotencyRecord(ctx context.Context, key string, staleBefore time.Time, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if staleBefore.IsZero() {
		return fmt.Errorf("stale cutoff is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE idempotency_records
SET updated_at = ?
WHERE key = ?
AND status = ?
AND updated_at < ?
`,
		toMillis(now),
		key,
		storage.IdempotencyStatusInProgress,
		toMillis(staleBefore),
	)
	if err != nil {
		return fmt.Errorf("take over idempotency record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("take over idempotency record rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PurgeIdempotencyRecords removes records past their TTL.
func (s *Store) PurgeIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM idempotency_records
WHERE expires_at <= ?
`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records rows affected: %w", err)
	}
	return affected, nil
}
