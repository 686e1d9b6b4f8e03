// Package signet wires the credential service runtime: storage, key
// lifecycle, token issuance, idempotency, and the HTTP and health servers.
package signet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/signet/internal/credentials"
	"github.com/louisbranch/signet/internal/httpapi"
	"github.com/louisbranch/signet/internal/idempotency"
	"github.com/louisbranch/signet/internal/keyring"
	"github.com/louisbranch/signet/internal/ledger"
	platformgrpc "github.com/louisbranch/signet/internal/platform/grpc"
	"github.com/louisbranch/signet/internal/platform/timeouts"
	"github.com/louisbranch/signet/internal/storage/sqlite"
	"github.com/louisbranch/signet/internal/token"
)

// RuntimeConfig controls signet startup and dependency wiring.
type RuntimeConfig struct {
	HTTPAddr         string
	HealthPort       int
	DBPath           string
	SealingKey       string
	Issuer           string
	Audience         string
	Users            string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	RefreshRetention time.Duration
	KeyOverlap       time.Duration
	KeyGrace         time.Duration
	KeyTTL           time.Duration
	IdempotencyTTL   time.Duration
	PurgeInterval    time.Duration
}

const (
	defaultHTTPAddr      = ":8080"
	defaultHealthPort    = 8081
	defaultDB            = "data/signet.db"
	defaultAccessTTL     = 10 * time.Minute
	defaultRefreshTTL    = 30 * 24 * time.Hour
	defaultRetention     = 90 * 24 * time.Hour
	defaultKeyOverlap    = 24 * time.Hour
	defaultKeyGrace      = time.Hour
	defaultKeyTTL        = 90 * 24 * time.Hour
	defaultPurgeInterval = time.Hour
)

// Run starts the signet runtime and blocks until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if cfg.HealthPort <= 0 {
		cfg.HealthPort = defaultHealthPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDB
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.RefreshRetention <= 0 {
		cfg.RefreshRetention = defaultRetention
	}
	if cfg.KeyOverlap <= 0 {
		cfg.KeyOverlap = defaultKeyOverlap
	}
	if cfg.KeyGrace <= 0 {
		cfg.KeyGrace = defaultKeyGrace
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = defaultKeyTTL
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = defaultPurgeInterval
	}

	sealingKey, err := hex.DecodeString(strings.TrimSpace(cfg.SealingKey))
	if err != nil {
		return fmt.Errorf("decode sealing key: %w", err)
	}

	entries, err := credentials.ParseEntries(cfg.Users)
	if err != nil {
		return fmt.Errorf("parse user entries: %w", err)
	}
	verifier, err := credentials.NewVerifier(entries)
	if err != nil {
		return fmt.Errorf("build credential verifier: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create signet storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open signet sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close signet sqlite store: %v", closeErr)
		}
	}()

	manager, err := keyring.NewManager(store, sealingKey, keyring.Config{
		Overlap: cfg.KeyOverlap,
		Grace:   cfg.KeyGrace,
		KeyTTL:  cfg.KeyTTL,
	})
	if err != nil {
		return fmt.Errorf("build keyring manager: %w", err)
	}
	// An empty key set cannot issue anything; establish the first key
	// before accepting traffic.
	if err := manager.Rotate(ctx); err != nil {
		return fmt.Errorf("ensure active signing key: %w", err)
	}
	if _, err := manager.CurrentSigningKey(ctx); err != nil {
		return fmt.Errorf("verify active signing key: %w", err)
	}

	refreshLedger, err := ledger.New(store, ledger.Config{
		TTL:       cfg.RefreshTTL,
		Retention: cfg.RefreshRetention,
	})
	if err != nil {
		return fmt.Errorf("build refresh ledger: %w", err)
	}

	tokenService, err := token.NewService(manager, refreshLedger, token.Config{
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		AccessTTL: cfg.AccessTTL,
	})
	if err != nil {
		return fmt.Errorf("build token service: %w", err)
	}

	coordinator, err := idempotency.NewCoordinator(store, idempotency.Config{
		TTL: cfg.IdempotencyTTL,
	})
	if err != nil {
		return fmt.Errorf("build idempotency coordinator: %w", err)
	}

	apiServer, err := httpapi.NewServer(tokenService, manager, refreshLedger, verifier, coordinator, httpapi.Config{
		KeyOverlap: cfg.KeyOverlap,
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
	}
	defer healthListener.Close()
	grpcServer, healthServer := platformgrpc.NewHealthServer("signet.api")

	serveErr := make(chan error, 2)
	go func() {
		serveErr <- grpcServer.Serve(healthListener)
	}()
	go func() {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	go hygieneLoop(ctx, cfg.PurgeInterval, manager, refreshLedger, coordinator)

	log.Printf("signet API listening at %s, health at %v", cfg.HTTPAddr, healthListener.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown http server: %v", err)
		}
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// hygieneLoop runs periodic maintenance: scheduled key rotation, terminal
// refresh row purges, and idempotency record expiry.
func hygieneLoop(ctx context.Context, interval time.Duration, manager *keyring.Manager, refreshLedger *ledger.Ledger, coordinator *idempotency.Coordinator) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		passCtx, cancel := context.WithTimeout(ctx, timeouts.StorePurge)
		if err := manager.Rotate(passCtx); err != nil {
			log.Printf("scheduled key rotation: %v", err)
		}
		if purged, err := refreshLedger.PurgeExpired(passCtx); err != nil {
			log.Printf("purge refresh tokens: %v", err)
		} else if purged > 0 {
			log.Printf("purged %d terminal refresh tokens", purged)
		}
		if expired, err := coordinator.Expire(passCtx); err != nil {
			log.Printf("expire idempotency records: %v", err)
		} else if expired > 0 {
			log.Printf("expired %d idempotency records", expired)
		}
		cancel()
	}
}
