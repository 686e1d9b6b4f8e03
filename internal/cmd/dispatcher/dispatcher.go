// Package dispatcher parses dispatcher command flags and launches the
// outbox dispatcher runtime.
package dispatcher

import (
	"context"
	"flag"
	"time"

	dispatcherapp "github.com/louisbranch/signet/internal/app/dispatcher"
	entrypoint "github.com/louisbranch/signet/internal/platform/cmd"
)

// Config holds dispatcher command configuration.
type Config struct {
	Port          int           `env:"SIGNET_DISPATCHER_PORT" envDefault:"8082"`
	DBPath        string        `env:"SIGNET_DB_PATH" envDefault:"data/signet.db"`
	Owner         string        `env:"SIGNET_DISPATCHER_OWNER"`
	PollInterval  time.Duration `env:"SIGNET_DISPATCHER_POLL_INTERVAL" envDefault:"5s"`
	BatchSize     int           `env:"SIGNET_DISPATCHER_BATCH_SIZE" envDefault:"32"`
	LeaseTTL      time.Duration `env:"SIGNET_DISPATCHER_LEASE_TTL" envDefault:"1m"`
	MaxAttempts   int           `env:"SIGNET_DISPATCHER_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff  time.Duration `env:"SIGNET_DISPATCHER_RETRY_BACKOFF" envDefault:"2s"`
	RetryMaxDelay time.Duration `env:"SIGNET_DISPATCHER_RETRY_MAX_DELAY" envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The dispatcher health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The signet SQLite database path")
	fs.StringVar(&cfg.Owner, "owner", cfg.Owner, "Lease owner id for this dispatcher instance")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Outbox poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Rows leased per pass")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Outbox lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Publish attempts before dead-letter")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the dispatcher runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDispatcher, func(context.Context) error {
		return dispatcherapp.Run(ctx, dispatcherapp.RuntimeConfig{
			Port:          cfg.Port,
			DBPath:        cfg.DBPath,
			Owner:         cfg.Owner,
			PollInterval:  cfg.PollInterval,
			BatchSize:     cfg.BatchSize,
			LeaseTTL:      cfg.LeaseTTL,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBackoff:  cfg.RetryBackoff,
			RetryMaxDelay: cfg.RetryMaxDelay,
		})
	})
}
