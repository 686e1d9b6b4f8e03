// Package signet parses signet command flags and launches the API runtime.
package signet

import (
	"context"
	"flag"
	"time"

	signetapp "github.com/louisbranch/signet/internal/app/signet"
	entrypoint "github.com/louisbranch/signet/internal/platform/cmd"
)

// Config holds signet command configuration.
type Config struct {
	HTTPAddr         string        `env:"SIGNET_HTTP_ADDR" envDefault:":8080"`
	HealthPort       int           `env:"SIGNET_HEALTH_PORT" envDefault:"8081"`
	DBPath           string        `env:"SIGNET_DB_PATH" envDefault:"data/signet.db"`
	SealingKey       string        `env:"SIGNET_SEALING_KEY"`
	Issuer           string        `env:"SIGNET_ISSUER"`
	Audience         string        `env:"SIGNET_AUDIENCE"`
	Users            string        `env:"SIGNET_USERS"`
	AccessTTL        time.Duration `env:"SIGNET_ACCESS_TTL" envDefault:"10m"`
	RefreshTTL       time.Duration `env:"SIGNET_REFRESH_TTL" envDefault:"720h"`
	RefreshRetention time.Duration `env:"SIGNET_REFRESH_RETENTION" envDefault:"2160h"`
	KeyOverlap       time.Duration `env:"SIGNET_KEY_OVERLAP" envDefault:"24h"`
	KeyGrace         time.Duration `env:"SIGNET_KEY_GRACE" envDefault:"1h"`
	KeyTTL           time.Duration `env:"SIGNET_KEY_TTL" envDefault:"2160h"`
	IdempotencyTTL   time.Duration `env:"SIGNET_IDEMPOTENCY_TTL" envDefault:"24h"`
	PurgeInterval    time.Duration `env:"SIGNET_PURGE_INTERVAL" envDefault:"1h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The public HTTP listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The signet SQLite database path")
	fs.StringVar(&cfg.SealingKey, "sealing-key", cfg.SealingKey, "Hex-encoded 32-byte private key sealing key")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "Access token issuer URL")
	fs.StringVar(&cfg.Audience, "audience", cfg.Audience, "Access token audience URL")
	fs.StringVar(&cfg.Users, "users", cfg.Users, "Comma-separated username:userid:bcrypt-hash records")
	fs.DurationVar(&cfg.AccessTTL, "access-ttl", cfg.AccessTTL, "Access token lifetime")
	fs.DurationVar(&cfg.RefreshTTL, "refresh-ttl", cfg.RefreshTTL, "Refresh token lifetime")
	fs.DurationVar(&cfg.RefreshRetention, "refresh-retention", cfg.RefreshRetention, "Terminal refresh row retention")
	fs.DurationVar(&cfg.KeyOverlap, "key-overlap", cfg.KeyOverlap, "Signing key rotation overlap window")
	fs.DurationVar(&cfg.KeyGrace, "key-grace", cfg.KeyGrace, "Retired signing key validation grace")
	fs.DurationVar(&cfg.KeyTTL, "key-ttl", cfg.KeyTTL, "Signing key intended lifetime")
	fs.DurationVar(&cfg.IdempotencyTTL, "idempotency-ttl", cfg.IdempotencyTTL, "Idempotency record retention")
	fs.DurationVar(&cfg.PurgeInterval, "purge-interval", cfg.PurgeInterval, "Storage hygiene sweep interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the signet API runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSignet, func(context.Context) error {
		return signetapp.Run(ctx, signetapp.RuntimeConfig{
			HTTPAddr:         cfg.HTTPAddr,
			HealthPort:       cfg.HealthPort,
			DBPath:           cfg.DBPath,
			SealingKey:       cfg.SealingKey,
			Issuer:           cfg.Issuer,
			Audience:         cfg.Audience,
			Users:            cfg.Users,
			AccessTTL:        cfg.AccessTTL,
			RefreshTTL:       cfg.RefreshTTL,
			RefreshRetention: cfg.RefreshRetention,
			KeyOverlap:       cfg.KeyOverlap,
			KeyGrace:         cfg.KeyGrace,
			KeyTTL:           cfg.KeyTTL,
			IdempotencyTTL:   cfg.IdempotencyTTL,
			PurgeInterval:    cfg.PurgeInterval,
		})
	})
}
