// Package inbox deduplicates inbound messages so redelivered events apply
// at most once.
//
// A claim on (source, message id) is permanent: it is recorded before the
// handler runs, so a handler failure after a successful claim does not
// reopen the message. Never double-applying beats never losing here;
// handler failures surface through logs and the returned error.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/signet/internal/storage"
)

// Handler processes one deduplicated message.
type Handler func(ctx context.Context, payload []byte) error

// Guard fronts the inbox claim table.
type Guard struct {
	store storage.InboxStore
	clock func() time.Time
}

// NewGuard builds a Guard.
func NewGuard(store storage.InboxStore) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("inbox store is required")
	}
	return &Guard{
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Claim records (source, messageID) on first sight. A repeat claim returns
// storage.ErrAlreadyProcessed.
func (g *Guard) Claim(ctx context.Context, source, messageID string) error {
	if g == nil {
		return fmt.Errorf("inbox guard is not configured")
	}
	source = strings.TrimSpace(source)
	messageID = strings.TrimSpace(messageID)
	if source == "" {
		return fmt.Errorf("message source is required")
	}
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	return g.store.ClaimInboxMessage(ctx, source, messageID, g.clock())
}

// Handle claims the message and, on first sight, runs handler. A duplicate
// is skipped silently; a handler failure is returned but the claim stands.
func (g *Guard) Handle(ctx context.Context, source, messageID string, payload []byte, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	err := g.Claim(ctx, source, messageID)
	if errors.Is(err, storage.ErrAlreadyProcessed) {
		log.Printf("inbox skip duplicate %s/%s", source, messageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim inbox message: %w", err)
	}

	if err := handler(ctx, payload); err != nil {
		log.Printf("inbox handler failed for %s/%s (claim stands): %v", source, messageID, err)
		return fmt.Errorf("handle inbox message %s/%s: %w", source, messageID, err)
	}
	return nil
}
