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

const refreshTokenColumns = `
	jti,
	user_id,
	device_id,
	secret_hash,
	issued_at,
	expires_at,
	revoked_at,
	replaced_by,
	ip,
	status
`

type refreshTokenScanner func(dest ...any) error

func scanRefreshToken(scan refreshTokenScanner) (storage.RefreshToken, error) {
	var token storage.RefreshToken
	var issuedAt, expiresAt int64
	var revokedAt sql.NullInt64
	if err := scan(
		&token.JTI,
		&token.UserID,
		&token.DeviceID,
		&token.SecretHash,
		&issuedAt,
		&expiresAt,
		&revokedAt,
		&token.ReplacedBy,
		&token.IP,
		&token.Status,
	); err != nil {
		return storage.RefreshToken{}, err
	}
	token.IssuedAt = fromMillis(issuedAt)
	token.ExpiresAt = fromMillis(expiresAt)
	if revokedAt.Valid {
		value := fromMillis(revokedAt.Int64)
		token.RevokedAt = &value
	}
	return token, nil
}

func validateRefreshToken(token storage.RefreshToken) (storage.RefreshToken, error) {
	token.JTI = strings.TrimSpace(token.JTI)
	token.UserID = strings.TrimSpace(token.UserID)
	token.DeviceID = strings.TrimSpace(token.DeviceID)
	token.SecretHash = strings.TrimSpace(token.SecretHash)
	if token.JTI == "" {
		return storage.RefreshToken{}, fmt.Errorf("refresh token jti is required")
	}
	if token.UserID == "" {
		return storage.RefreshToken{}, fmt.Errorf("refresh token user id is required")
	}
	if token.DeviceID == "" {
		return storage.RefreshToken{}, fmt.Errorf("refresh token device id is required")
	}
	if token.SecretHash == "" {
		return storage.RefreshToken{}, fmt.Errorf("refresh token secret hash is required")
	}
	if token.ExpiresAt.IsZero() {
		return storage.RefreshToken{}, fmt.Errorf("refresh token expiry is required")
	}
	return token, nil
}

func insertRefreshToken(ctx context.Context, target execContexter, token storage.RefreshToken) error {
	_, err := target.ExecContext(ctx, `
INSERT INTO refresh_tokens (
	jti,
	user_id,
	device_id,
	secret_hash,
	issued_at,
	expires_at,
	revoked_at,
	replaced_by,
	ip,
	status
) VALUES (?, ?, ?, ?, ?, ?, NULL, '', ?, ?)
`,
		token.JTI,
		token.UserID,
		token.DeviceID,
		token.SecretHash,
		toMillis(token.IssuedAt),
		toMillis(token.ExpiresAt),
		token.IP,
		storage.RefreshStatusActive,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// CreateRefreshToken inserts token as the sole active row for its
// (user, device), revoking any predecessor in the same transaction. Events
// describe the predecessor revocation and are enqueued only when a
// predecessor actually transitioned.
func (s *Store) CreateRefreshToken(ctx context.Context, token storage.RefreshToken, events []storage.OutboxMessage) error {
	token, err := validateRefreshToken(token)
	if err != nil {
		return err
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE refresh_tokens
SET
	status = ?,
	revoked_at = ?
WHERE user_id = ?
AND device_id = ?
AND status = ?
`,
			storage.RefreshStatusRevoked,
			toMillis(token.IssuedAt),
			token.UserID,
			token.DeviceID,
			storage.RefreshStatusActive,
		)
		if err != nil {
			return fmt.Errorf("revoke prior device token: %w", err)
		}
		revoked, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("revoke prior device token rows affected: %w", err)
		}

		if err := insertRefreshToken(ctx, tx, token); err != nil {
			return err
		}

		if revoked > 0 {
			for _, event := range events {
				if err := enqueueOutboxMessage(ctx, tx, event); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetRefreshToken returns a ledger row by jti.
func (s *Store) GetRefreshToken(ctx context.Context, jti string) (storage.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.RefreshToken{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RefreshToken{}, fmt.Errorf("storage is not configured")
	}

	jti = strings.TrimSpace(jti)
	if jti == "" {
		return storage.RefreshToken{}, fmt.Errorf("jti is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+refreshTokenColumns+`
FROM refresh_tokens
WHERE jti = ?
`, jti)
	token, err := scanRefreshToken(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.RefreshToken{}, storage.ErrNotFound
		}
		return storage.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}

// RotateRefreshToken flips jti from active to rotated and installs the
// successor, all in one transaction. The conditional update is the
// linearization point: of two concurrent rotations of the same jti, exactly
// one observes an affected row; the loser gets ErrNotActive and must take
// the reuse-handling path.
func (s *Store) RotateRefreshToken(ctx context.Context, jti string, successor storage.RefreshToken, now time.Time, events []storage.OutboxMessage) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("jti is required")
	}
	successor, err := validateRefreshToken(successor)
	if err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	if successor.IssuedAt.IsZero() {
		successor.IssuedAt = now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE refresh_tokens
SET
	status = ?,
	replaced_by = ?
WHERE jti = ?
AND status = ?
AND expires_at > ?
`,
			storage.RefreshStatusRotated,
			successor.JTI,
			jti,
			storage.RefreshStatusActive,
			toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("rotate refresh token: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rotate refresh token rows affected: %w", err)
		}
		if affected == 0 {
			return storage.ErrNotActive
		}

		if err := insertRefreshToken(ctx, tx, successor); err != nil {
			return err
		}

		for _, event := range events {
			if err := enqueueOutboxMessage(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// RevokeRefreshTokens revokes every non-terminal row matching target.
func (s *Store) RevokeRefreshTokens(ctx context.Context, target storage.RevokeTarget, now time.Time, events []storage.OutboxMessage) (int64, error) {
	target.JTI = strings.TrimSpace(target.JTI)
	target.UserID = strings.TrimSpace(target.UserID)
	target.DeviceID = strings.TrimSpace(target.DeviceID)
	if target.JTI == "" && target.UserID == "" {
		return 0, fmt.Errorf("revoke target is required")
	}
	if target.JTI != "" && target.UserID != "" {
		return 0, fmt.Errorf("revoke target must name a jti or a user, not both")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	where := "jti = ?"
	args := []any{target.JTI}
	if target.UserID != "" {
		where = "user_id = ?"
		args = []any{target.UserID}
		if target.DeviceID != "" {
			where += " AND device_id = ?"
			args = append(args, target.DeviceID)
		}
	}

	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			fmt.Sprintf(`
UPDATE refresh_tokens
SET
	status = ?,
	revoked_at = ?
WHERE %s
AND status = ?
`, where),
			append([]any{storage.RefreshStatusRevoked, toMillis(now)}, append(args, storage.RefreshStatusActive)...)...,
		)
		if err != nil {
			return fmt.Errorf("revoke refresh tokens: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("revoke refresh tokens rows affected: %w", err)
		}

		for _, event := range events {
			if err := enqueueOutboxMessage(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// MarkRefreshTokenExpired opportunistically persists lazy expiry.
func (s *Store) MarkRefreshTokenExpired(ctx context.Context, jti string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("jti is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Losing this conditional update to a concurrent rotation or
	// revocation is fine; the row reached a terminal state either way.
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE refresh_tokens
SET status = ?
WHERE jti = ?
AND status = ?
AND expires_at <= ?
`,
		storage.RefreshStatusExpired,
		jti,
		storage.RefreshStatusActive,
		toMillis(now),
	); err != nil {
		return fmt.Errorf("mark refresh token expired: %w", err)
	}
	return nil
}

// PurgeRefreshTokens removes terminal rows whose expiry predates cutoff.
func (s *Store) PurgeRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM refresh_tokens
WHERE status IN (?, ?, ?)
AND expires_at <= ?
`,
		storage.RefreshStatusRotated,
		storage.RefreshStatusRevoked,
		storage.RefreshStatusExpired,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens rows affected: %w", err)
	}
	return affected, nil
}
