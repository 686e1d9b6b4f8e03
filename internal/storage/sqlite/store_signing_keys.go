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

const signingKeyColumns = `
	kid,
	algorithm,
	public_key,
	private_key_sealed,
	state,
	created_at,
	not_before,
	not_after,
	activated_at,
	retired_at,
	grace_until
`

type signingKeyScanner func(dest ...any) error

func scanSigningKey(scan signingKeyScanner) (storage.SigningKey, error) {
	var key storage.SigningKey
	var createdAt, notBefore, notAfter, activatedAt int64
	var retiredAt, graceUntil sql.NullInt64
	if err := scan(
		&key.Kid,
		&key.Algorithm,
		&key.PublicKey,
		&key.PrivateKeySealed,
		&key.State,
		&createdAt,
		&notBefore,
		&notAfter,
		&activatedAt,
		&retiredAt,
		&graceUntil,
	); err != nil {
		return storage.SigningKey{}, err
	}
	key.CreatedAt = fromMillis(createdAt)
	key.NotBefore = fromMillis(notBefore)
	key.NotAfter = fromMillis(notAfter)
	key.ActivatedAt = fromMillis(activatedAt)
	if retiredAt.Valid {
		value := fromMillis(retiredAt.Int64)
		key.RetiredAt = &value
	}
	if graceUntil.Valid {
		value := fromMillis(graceUntil.Int64)
		key.GraceUntil = &value
	}
	return key, nil
}

// PromoteSigningKey installs key as the single active key in one
// transaction. Ordering matters under the single-active unique index: the
// outgoing active key is demoted before the new key is inserted active.
func (s *Store) PromoteSigningKey(ctx context.Context, key storage.SigningKey, overlap time.Duration, grace time.Duration, now time.Time) error {
	key.Kid = strings.TrimSpace(key.Kid)
	if key.Kid == "" {
		return fmt.Errorf("signing key kid is required")
	}
	if len(key.PublicKey) == 0 {
		return fmt.Errorf("signing key public component is required")
	}
	if len(key.PrivateKeySealed) == 0 {
		return fmt.Errorf("signing key sealed private component is required")
	}
	if overlap <= 0 {
		return fmt.Errorf("overlap must be greater than zero")
	}
	if grace < 0 {
		return fmt.Errorf("grace must not be negative")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Retire any retiring key. An elapsed overlap keeps the grace it
		// earned; an interrupted overlap still gets grace past the window
		// it was promised.
		if _, err := tx.ExecContext(ctx, `
UPDATE signing_keys
SET
	state = ?,
	retired_at = ?,
	grace_until = MAX(not_after, ?) + ?
WHERE state = ?
`,
			storage.KeyStateRetired,
			toMillis(now),
			toMillis(now),
			grace.Milliseconds(),
			storage.KeyStateRetiring,
		); err != nil {
			return fmt.Errorf("retire outgoing signing key: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE signing_keys
SET
	state = ?,
	not_after = ?
WHERE state = ?
`,
			storage.KeyStateRetiring,
			toMillis(now.Add(overlap)),
			storage.KeyStateActive,
		); err != nil {
			return fmt.Errorf("demote active signing key: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO signing_keys (
	kid,
	algorithm,
	public_key,
	private_key_sealed,
	state,
	created_at,
	not_before,
	not_after,
	activated_at,
	retired_at,
	grace_until
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
`,
			key.Kid,
			key.Algorithm,
			key.PublicKey,
			key.PrivateKeySealed,
			storage.KeyStateActive,
			toMillis(now),
			toMillis(now),
			toMillis(key.NotAfter),
			toMillis(now),
		); err != nil {
			return fmt.Errorf("insert active signing key: %w", err)
		}
		return nil
	})
}

// GetActiveSigningKey returns the single active key.
func (s *Store) GetActiveSigningKey(ctx context.Context) (storage.SigningKey, error) {
	if err := ctx.Err(); err != nil {
		return storage.SigningKey{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SigningKey{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+signingKeyColumns+`
FROM signing_keys
WHERE state = ?
`, storage.KeyStateActive)
	key, err := scanSigningKey(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SigningKey{}, storage.ErrNotFound
		}
		return storage.SigningKey{}, fmt.Errorf("get active signing key: %w", err)
	}
	return key, nil
}

// GetSigningKey returns a key by kid regardless of state.
func (s *Store) GetSigningKey(ctx context.Context, kid string) (storage.SigningKey, error) {
	if err := ctx.Err(); err != nil {
		return storage.SigningKey{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SigningKey{}, fmt.Errorf("storage is not configured")
	}

	kid = strings.TrimSpace(kid)
	if kid == "" {
		return storage.SigningKey{}, fmt.Errorf("kid is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+signingKeyColumns+`
FROM signing_keys
WHERE kid = ?
`, kid)
	key, err := scanSigningKey(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SigningKey{}, storage.ErrNotFound
		}
		return storage.SigningKey{}, fmt.Errorf("get signing key: %w", err)
	}
	return key, nil
}

// ListPublishableSigningKeys returns active and in-overlap retiring keys
// ordered by kid.
func (s *Store) ListPublishableSigningKeys(ctx context.Context, now time.Time) ([]storage.SigningKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+signingKeyColumns+`
FROM signing_keys
WHERE state = ?
OR (state = ? AND not_after > ?)
ORDER BY kid ASC
`,
		storage.KeyStateActive,
		storage.KeyStateRetiring,
		toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list publishable signing keys: %w", err)
	}
	defer rows.Close()

	var keys []storage.SigningKey
	for rows.Next() {
		key, scanErr := scanSigningKey(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan publishable signing key: %w", scanErr)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publishable signing keys: %w", err)
	}
	return keys, nil
}

// RetireElapsedSigningKeys persists retired state for retiring keys whose
// overlap elapsed.
func (s *Store) RetireElapsedSigningKeys(ctx context.Context, grace time.Duration, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if grace < 0 {
		return 0, fmt.Errorf("grace must not be negative")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE signing_keys
SET
	state = ?,
	retired_at = ?,
	grace_until = not_after + ?
WHERE state = ?
AND not_after <= ?
`,
		storage.KeyStateRetired,
		toMillis(now),
		grace.Milliseconds(),
		storage.KeyStateRetiring,
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("retire elapsed signing keys: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retire elapsed signing keys rows affected: %w", err)
	}
	return affected, nil
}
