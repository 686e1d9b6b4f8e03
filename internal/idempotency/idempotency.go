// Package idempotency coordinates retried mutating requests so each
// idempotency key executes its operation at most once.
//
// The first request under a key executes; a retry with the same request
// fingerprint replays the recorded response; a concurrent retry waits for
// the first to finish (coalescing, bounded); a retry with a different
// fingerprint is rejected. Abandoned executions are adopted after a
// liveness window so a crashed worker cannot wedge a key forever.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/platform/timeouts"
	"github.com/louisbranch/signet/internal/storage"
)

// Decision kinds returned by Begin.
const (
	// Proceed means the caller owns the execution and must finish it
	// with Complete or Fail.
	Proceed = "proceed"
	// Replay means the operation already ran; serve the recorded
	// response without executing.
	Replay = "replay"
)

// Decision is the outcome of Begin.
type Decision struct {
	Kind           string
	ResponseStatus int
	ResponseBody   []byte
}

// Config controls record lifetimes and coalescing behavior.
type Config struct {
	// TTL is how long records are kept for replay.
	TTL time.Duration
	// Liveness is how stale an in-progress record must be before a
	// waiter may adopt it.
	Liveness time.Duration
	// PollInterval is how often a coalescing waiter re-reads the record.
	PollInterval time.Duration
	// CoalesceWait bounds how long a waiter blocks before giving up
	// with an in-flight error.
	CoalesceWait time.Duration
}

const (
	defaultTTL          = 24 * time.Hour
	defaultLiveness     = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

func (c Config) normalized() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Liveness <= 0 {
		c.Liveness = defaultLiveness
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CoalesceWait <= 0 {
		c.CoalesceWait = timeouts.CoalesceWait
	}
	return c
}

// Fingerprint derives the request identity recorded under a key.
func Fingerprint(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{'|'})
	sum.Write([]byte(path))
	sum.Write([]byte{'|'})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// Coordinator arbitrates executions per idempotency key.
type Coordinator struct {
	store storage.IdempotencyStore
	cfg   Config

	clock func() time.Time
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(store storage.IdempotencyStore, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	return &Coordinator{
		store: store,
		cfg:   cfg.normalized(),
		clock: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Begin arbitrates one request under key. The caller must call Complete or
// Fail after a Proceed decision; a caller that crashes instead is adopted
// by a later waiter once the liveness window passes.
func (c *Coordinator) Begin(ctx context.Context, key, fingerprint string) (Decision, error) {
	if c == nil {
		return Decision{}, fmt.Errorf("idempotency coordinator is not configured")
	}
	key = strings.TrimSpace(key)
	fingerprint = strings.TrimSpace(fingerprint)
	if key == "" {
		return Decision{}, apperrors.New(apperrors.CodeInvalidArgument, "idempotency key is required")
	}
	if fingerprint == "" {
		return Decision{}, apperrors.New(apperrors.CodeInvalidArgument, "request fingerprint is required")
	}

	deadline := c.clock().Add(c.cfg.CoalesceWait)
	for {
		decision, retry, err := c.arbitrate(ctx, key, fingerprint)
		if err != nil || !retry {
			return decision, err
		}
		if !c.clock().Before(deadline) {
			return Decision{}, apperrors.New(apperrors.CodeIdempotencyInFlight, "request is still executing elsewhere")
		}
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// arbitrate makes one pass at the record. retry reports that the caller
// should poll again (coalescing).
func (c *Coordinator) arbitrate(ctx context.Context, key, fingerprint string) (Decision, bool, error) {
	now := c.clock()

	record, err := c.store.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		insertErr := c.store.InsertIdempotencyRecord(ctx, storage.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      storage.IdempotencyStatusInProgress,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(c.cfg.TTL),
		})
		if insertErr == nil {
			return Decision{Kind: Proceed}, false, nil
		}
		if errors.Is(insertErr, storage.ErrAlreadyExists) {
			// Lost the insert race; re-read and arbitrate against the
			// winner's record.
			return Decision{}, true, nil
		}
		return Decision{}, false, fmt.Errorf("insert idempotency record: %w", insertErr)
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("get idempotency record: %w", err)
	}

	if record.Fingerprint != fingerprint {
		return Decision{}, false, apperrors.New(apperrors.CodeIdempotencyKeyConflict, "idempotency key was used with a different request")
	}
	if record.Terminal() {
		return Decision{
			Kind:           Replay,
			ResponseStatus: record.ResponseStatus,
			ResponseBody:   record.ResponseBody,
		}, false, nil
	}

	staleBefore := now.Add(-c.cfg.Liveness)
	if record.UpdatedAt.Before(staleBefore) {
		takeoverErr := c.store.TakeOverIdempotencyRecord(ctx, key, staleBefore, now)
		if takeoverErr == nil {
			return Decision{Kind: Proceed}, false, nil
		}
		if errors.Is(takeoverErr, storage.ErrNotFound) {
			// Another waiter adopted it first; fall back to coalescing.
			return Decision{}, true, nil
		}
		return Decision{}, false, fmt.Errorf("take over idempotency record: %w", takeoverErr)
	}
	return Decision{}, true, nil
}

// Complete records a successful outcome for replay.
func (c *Coordinator) Complete(ctx context.Context, key string, responseStatus int, responseBody []byte) error {
	return c.finish(ctx, key, storage.IdempotencyStatusCompleted, responseStatus, responseBody)
}

// Fail records a failed outcome for replay. Failures replay too: the
// operation ran, so a retry must not run it again.
func (c *Coordinator) Fail(ctx context.Context, key string, responseStatus int, responseBody []byte) error {
	return c.finish(ctx, key, storage.IdempotencyStatusFailed, responseStatus, responseBody)
}

func (c *Coordinator) finish(ctx context.Context, key, status string, responseStatus int, responseBody []byte) error {
	if c == nil {
		return fmt.Errorf("idempotency coordinator is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "idempotency key is required")
	}
	if err := c.store.FinishIdempotencyRecord(ctx, key, status, responseStatus, responseBody, c.clock()); err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	return nil
}

// Expire purges records past their TTL. Hygiene only.
func (c *Coordinator) Expire(ctx context.Context) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("idempotency coordinator is not configured")
	}
	affected, err := c.store.PurgeIdempotencyRecords(ctx, c.clock())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return affected, nil
}
