// Package httpapi hosts the credential service's HTTP surface: JWKS
// publication, token issuance, refresh rotation, and revocation.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/louisbranch/signet/internal/idempotency"
	"github.com/louisbranch/signet/internal/keyring"
	"github.com/louisbranch/signet/internal/ledger"
	"github.com/louisbranch/signet/internal/storage"
)

// TokenService issues and rotates credential pairs.
type TokenService interface {
	IssueRefreshPair(ctx context.Context, userID, deviceID, ip string) (string, ledger.Credential, time.Duration, error)
	RotateRefresh(ctx context.Context, presented string) (string, ledger.Credential, time.Duration, error)
}

// KeySet exposes the publishable signing keys.
type KeySet interface {
	PublishableKeySet(ctx context.Context) ([]keyring.PublicKey, error)
}

// Revoker revokes refresh tokens.
type Revoker interface {
	Revoke(ctx context.Context, target storage.RevokeTarget) (int64, error)
}

// CredentialVerifier checks a primary credential and returns the user id
// it belongs to. Password policy lives behind this interface, not here.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (string, error)
}

// Config carries HTTP surface tuning.
type Config struct {
	// KeyOverlap is the rotation overlap window; JWKS cache lifetimes
	// are derived from it so caches refresh before a retiring key
	// disappears.
	KeyOverlap time.Duration
}

// Server hosts the credential endpoints.
type Server struct {
	tokens      TokenService
	keys        KeySet
	revoker     Revoker
	verifier    CredentialVerifier
	coordinator *idempotency.Coordinator
	cfg         Config
}

// NewServer builds a Server bound to its collaborators. The idempotency
// coordinator may be nil, which disables idempotency key handling.
func NewServer(tokens TokenService, keys KeySet, revoker Revoker, verifier CredentialVerifier, coordinator *idempotency.Coordinator, cfg Config) (*Server, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key set is required")
	}
	if revoker == nil {
		return nil, fmt.Errorf("revoker is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("credential verifier is required")
	}
	if cfg.KeyOverlap <= 0 {
		return nil, fmt.Errorf("key overlap must be greater than zero")
	}
	return &Server{
		tokens:      tokens,
		keys:        keys,
		revoker:     revoker,
		verifier:    verifier,
		coordinator: coordinator,
		cfg:         cfg,
	}, nil
}

// RegisterRoutes registers the credential endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.Handle("/.well-known/jwks.json", withCorrelation(http.HandlerFunc(s.handleJWKS)))
	mux.Handle("/v1/token", s.mutating(s.handleToken))
	mux.Handle("/v1/token/refresh", s.mutating(s.handleRefresh))
	mux.Handle("/v1/token/revoke", s.mutating(s.handleRevoke))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// mutating wraps a handler with the middleware every mutating route gets.
func (s *Server) mutating(handler http.HandlerFunc) http.Handler {
	return withCorrelation(s.withIdempotency(handler))
}
