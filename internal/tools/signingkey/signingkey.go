// Package signingkey is the operator tool for the signing key set: it
// generates sealing keys, forces rotations, and inspects publishable keys.
package signingkey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/louisbranch/signet/internal/keyring"
	"github.com/louisbranch/signet/internal/storage/sqlite"
)

// Mode selects the tool action.
const (
	ModeSealingKey = "sealing-key"
	ModeRotate     = "rotate"
	ModeInspect    = "inspect"
)

const sealingKeyBytes = 32

// Config holds signing key tool configuration.
type Config struct {
	Mode       string
	DBPath     string
	SealingKey string
	Overlap    time.Duration
	Grace      time.Duration
	KeyTTL     time.Duration
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		Mode:    ModeInspect,
		DBPath:  "data/signet.db",
		Overlap: 24 * time.Hour,
		Grace:   time.Hour,
		KeyTTL:  90 * 24 * time.Hour,
	}
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Action: sealing-key, rotate, or inspect")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The signet SQLite database path")
	fs.StringVar(&cfg.SealingKey, "sealing-key", cfg.SealingKey, "Hex-encoded 32-byte private key sealing key")
	fs.DurationVar(&cfg.Overlap, "overlap", cfg.Overlap, "Rotation overlap window")
	fs.DurationVar(&cfg.Grace, "grace", cfg.Grace, "Retired key validation grace")
	fs.DurationVar(&cfg.KeyTTL, "key-ttl", cfg.KeyTTL, "Signing key intended lifetime")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the selected action and writes results to out.
func Run(ctx context.Context, cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.Mode {
	case ModeSealingKey:
		return writeSealingKey(out, reader)
	case ModeRotate:
		manager, closeStore, err := openManager(cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := manager.ForceRotate(ctx); err != nil {
			return fmt.Errorf("force rotate: %w", err)
		}
		return writeKeySet(ctx, manager, out)
	case ModeInspect:
		manager, closeStore, err := openManager(cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		return writeKeySet(ctx, manager, out)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func writeSealingKey(out io.Writer, reader io.Reader) error {
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, sealingKeyBytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "SIGNET_SEALING_KEY=%s\n", hex.EncodeToString(buf))
	return err
}

func openManager(cfg Config) (*keyring.Manager, func(), error) {
	sealingKey, err := hex.DecodeString(cfg.SealingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode sealing key: %w", err)
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open signet sqlite store: %w", err)
	}
	manager, err := keyring.NewManager(store, sealingKey, keyring.Config{
		Overlap: cfg.Overlap,
		Grace:   cfg.Grace,
		KeyTTL:  cfg.KeyTTL,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("build keyring manager: %w", err)
	}
	return manager, func() { store.Close() }, nil
}

func writeKeySet(ctx context.Context, manager *keyring.Manager, out io.Writer) error {
	keys, err := manager.PublishableKeySet(ctx)
	if err != nil {
		return fmt.Errorf("list publishable keys: %w", err)
	}
	if len(keys) == 0 {
		_, err := fmt.Fprintln(out, "no publishable signing keys")
		return err
	}
	for _, key := range keys {
		if _, err := fmt.Fprintf(out, "%s %s %s\n", key.Kid, key.Algorithm, hex.EncodeToString(key.Public)); err != nil {
			return err
		}
	}
	return nil
}
