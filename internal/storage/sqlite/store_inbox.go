package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/signet/internal/storage"
)

// ClaimInboxMessage records (source, messageID) on first sight. The insert
// either lands or the primary key rejects it; there is no read-then-write
// window for two claimants to slip through.
func (s *Store) ClaimInboxMessage(ctx context.Context, source string, messageID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	source = strings.TrimSpace(source)
	messageID = strings.TrimSpace(messageID)
	if source == "" {
		return fmt.Errorf("source is required")
	}
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO inbox_messages (source, message_id, received_at)
VALUES (?, ?, ?)
ON CONFLICT(source, message_id) DO NOTHING
`,
		source,
		messageID,
		toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("claim inbox message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim inbox message rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrAlreadyProcessed
	}
	return nil
}
