// Package outbox publishes transactionally recorded domain events.
//
// Producers insert rows inside their own transactions; the dispatcher
// leases due rows and hands them to a Publisher. Delivery is at-least-once:
// a crash between publish and acknowledgment republishes the row, so
// consumers dedupe with the inbox guard. Leases make overlapping
// dispatcher instances safe; a row is never published concurrently.
package outbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/signet/internal/platform/id"
	"github.com/louisbranch/signet/internal/storage"
)

// Publisher delivers one event to the outside world. Publish must be safe
// to call again with the same message after a partial failure.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, eventType string, payload []byte) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, eventType string, payload []byte) error {
	return f(ctx, eventType, payload)
}

// Config controls dispatcher loop behavior.
type Config struct {
	// Owner identifies this dispatcher instance in lease rows. Empty
	// gets a generated owner id.
	Owner string
	// PollInterval is how long the loop sleeps between batches.
	PollInterval time.Duration
	// BatchSize caps how many rows one pass leases.
	BatchSize int
	// LeaseTTL is how long a claimed row stays invisible to other
	// dispatchers before it is considered abandoned.
	LeaseTTL time.Duration
	// MaxAttempts is the publish budget before a row goes dead.
	MaxAttempts int
	// RetryBackoff is the base delay before the first retry.
	RetryBackoff time.Duration
	// RetryMaxDelay caps the exponential retry delay.
	RetryMaxDelay time.Duration
}

const (
	defaultPollInterval  = 5 * time.Second
	defaultBatchSize     = 32
	defaultLeaseTTL      = time.Minute
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = 2 * time.Second
	defaultRetryMaxDelay = 5 * time.Minute
)

func (c Config) normalized() Config {
	c.Owner = strings.TrimSpace(c.Owner)
	if c.Owner == "" {
		generated, err := id.NewID()
		if err != nil {
			generated = fmt.Sprintf("dispatcher-%d", time.Now().UnixNano())
		}
		c.Owner = generated
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	return c
}

// Dispatcher drains the outbox into a Publisher.
type Dispatcher struct {
	store     storage.OutboxStore
	publisher Publisher
	cfg       Config

	clock func() time.Time
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(store storage.OutboxStore, publisher Publisher, cfg Config) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg.normalized(),
		clock:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Owner returns the lease owner id this dispatcher claims rows under.
func (d *Dispatcher) Owner() string {
	return d.cfg.Owner
}

// DispatchOnce leases one batch of due messages and publishes them.
// Returns how many messages were published successfully.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d == nil {
		return 0, fmt.Errorf("dispatcher is not configured")
	}

	now := d.clock()
	leased, err := d.store.LeaseOutboxMessages(ctx, d.cfg.Owner, d.cfg.BatchSize, now, d.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox messages: %w", err)
	}

	published := 0
	for _, message := range leased {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := d.dispatch(ctx, message); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, message storage.OutboxMessage) error {
	publishErr := d.publisher.Publish(ctx, message.EventType, []byte(message.PayloadJSON))
	now := d.clock()
	if publishErr == nil {
		if err := d.store.MarkOutboxSucceeded(ctx, message.ID, d.cfg.Owner, now); err != nil {
			return fmt.Errorf("mark outbox message %s succeeded: %w", message.ID, err)
		}
		return nil
	}

	attempts := message.AttemptCount + 1
	if attempts >= d.cfg.MaxAttempts {
		log.Printf("outbox message %s dead after %d attempts: %v", message.ID, attempts, publishErr)
		if err := d.store.MarkOutboxDead(ctx, message.ID, d.cfg.Owner, publishErr.Error(), now); err != nil {
			return fmt.Errorf("mark outbox message %s dead: %w", message.ID, err)
		}
		return nil
	}

	delay := backoffDelay(attempts, d.cfg.RetryBackoff, d.cfg.RetryMaxDelay)
	log.Printf("outbox message %s attempt %d failed, retrying in %s: %v", message.ID, attempts, delay, publishErr)
	if err := d.store.MarkOutboxRetry(ctx, message.ID, d.cfg.Owner, now.Add(delay), publishErr.Error()); err != nil {
		return fmt.Errorf("mark outbox message %s for retry: %w", message.ID, err)
	}
	return nil
}

// Run polls until ctx is canceled. Dispatch errors are logged and the loop
// keeps going; a broken store or publisher heals on a later pass.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		return fmt.Errorf("dispatcher is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("outbox dispatch pass: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
