// Package dispatcher wires the outbox dispatcher runtime: storage, the
// publish loop, and the health server.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/signet/internal/inbox"
	"github.com/louisbranch/signet/internal/outbox"
	platformgrpc "github.com/louisbranch/signet/internal/platform/grpc"
	"github.com/louisbranch/signet/internal/storage/sqlite"
)

// RuntimeConfig controls dispatcher startup and loop behavior.
type RuntimeConfig struct {
	Port          int
	DBPath        string
	Owner         string
	PollInterval  time.Duration
	BatchSize     int
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration

	// Publisher delivers drained events. Nil gets a publisher that
	// deduplicates through the inbox and logs each first-sight event.
	Publisher outbox.Publisher
}

const (
	defaultDispatcherPort = 8082
	defaultDispatcherDB   = "data/signet.db"
)

// Run starts the dispatcher runtime and blocks until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultDispatcherPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDispatcherDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dispatcher storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open dispatcher sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close dispatcher sqlite store: %v", closeErr)
		}
	}()

	publisher := cfg.Publisher
	if publisher == nil {
		guard, err := inbox.NewGuard(store)
		if err != nil {
			return fmt.Errorf("build inbox guard: %w", err)
		}
		publisher = newLoggingConsumer(guard)
	}

	loop, err := outbox.NewDispatcher(store, publisher, outbox.Config{
		Owner:         cfg.Owner,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
		LeaseTTL:      cfg.LeaseTTL,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	})
	if err != nil {
		return fmt.Errorf("build outbox dispatcher: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on dispatcher port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer, healthServer := platformgrpc.NewHealthServer("signet.dispatcher")
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("dispatcher listening at %v", listener.Addr())
	return loop.Run(ctx)
}

// loggingConsumer is the default event sink: it claims each event through
// the inbox so redeliveries drop out, then logs the first sighting.
type loggingConsumer struct {
	guard *inbox.Guard
}

func newLoggingConsumer(guard *inbox.Guard) *loggingConsumer {
	return &loggingConsumer{guard: guard}
}

// Publish deduplicates on the jti carried in the payload. Payloads without
// a jti are logged without a claim.
func (c *loggingConsumer) Publish(ctx context.Context, eventType string, payload []byte) error {
	var fields struct {
		JTI string `json:"jti"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil || fields.JTI == "" {
		log.Printf("event %s: %s", eventType, payload)
		return nil
	}
	return c.guard.Handle(ctx, eventType, fields.JTI, payload, func(context.Context, []byte) error {
		log.Printf("event %s jti=%s: %s", eventType, fields.JTI, payload)
		return nil
	})
}
