package token

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/signet/internal/keyring"
	"github.com/louisbranch/signet/internal/ledger"
	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/storage/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signet.db")
	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	sealingKey := make([]byte, 32)
	for i := range sealingKey {
		sealingKey[i] = byte(i)
	}
	keys, err := keyring.NewManager(store, sealingKey, keyring.Config{
		Overlap: time.Hour,
		Grace:   15 * time.Minute,
		KeyTTL:  90 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new keyring manager: %v", err)
	}
	if err := keys.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate keyring: %v", err)
	}

	refresh, err := ledger.New(store, ledger.Config{
		TTL:       30 * 24 * time.Hour,
		Retention: 90 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	service, err := NewService(keys, refresh, Config{
		Issuer:    "https://signet.example",
		Audience:  "https://api.example",
		AccessTTL: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	return service
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	service := newTestService(t)

	signed, ttl, err := service.IssueAccessToken(context.Background(), "user-1", map[string]any{"scope": "read"})
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}
	if ttl != 5*time.Minute {
		t.Fatalf("ttl = %v, want %v", ttl, 5*time.Minute)
	}

	claims, err := service.Validate(context.Background(), signed)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want %q", claims.Subject, "user-1")
	}
	if claims.Issuer != "https://signet.example" {
		t.Fatalf("issuer = %q, want %q", claims.Issuer, "https://signet.example")
	}
	if claims.JTI == "" {
		t.Fatal("expected jti assigned")
	}
}

func TestIssueAccessTokenCarriesKidHeader(t *testing.T) {
	service := newTestService(t)

	signed, _, err := service.IssueAccessToken(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(signed, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("parse unverified: %v", err)
	}
	kid, _ := parsed.Header["kid"].(string)
	if kid == "" {
		t.Fatal("expected kid header on issued token")
	}
	if alg, _ := parsed.Header["alg"].(string); alg != "EdDSA" {
		t.Fatalf("alg header = %q, want EdDSA", alg)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	service := newTestService(t)

	signed, _, err := service.IssueAccessToken(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}

	service.clock = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, err = service.Validate(context.Background(), signed)
	if !apperrors.HasCode(err, apperrors.CodeTokenExpired) {
		t.Fatalf("expected token expired code, got %v", err)
	}
}

func TestValidateTamperedToken(t *testing.T) {
	service := newTestService(t)

	signed, _, err := service.IssueAccessToken(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d parts, want 3", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	_, err = service.Validate(context.Background(), tampered)
	if !apperrors.HasCode(err, apperrors.CodeTokenSignatureInvalid) {
		t.Fatalf("expected signature invalid code, got %v", err)
	}
}

func TestValidateTokenFromForeignKeyring(t *testing.T) {
	issuer := newTestService(t)
	validator := newTestService(t)

	signed, _, err := issuer.IssueAccessToken(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}

	_, err = validator.Validate(context.Background(), signed)
	if !apperrors.HasCode(err, apperrors.CodeUnknownSigningKey) {
		t.Fatalf("expected unknown signing key code, got %v", err)
	}
}

func TestValidateGarbage(t *testing.T) {
	service := newTestService(t)

	_, err := service.Validate(context.Background(), "not-a-token")
	if !apperrors.HasCode(err, apperrors.CodeTokenMalformed) {
		t.Fatalf("expected malformed code, got %v", err)
	}
}

func TestIssueRefreshPair(t *testing.T) {
	service := newTestService(t)

	access, credential, ttl, err := service.IssueRefreshPair(context.Background(), "user-1", "device-1", "203.0.113.7")
	if err != nil {
		t.Fatalf("issue refresh pair: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("ttl = %v, want positive", ttl)
	}
	if !strings.Contains(credential.Token, ".") {
		t.Fatalf("refresh token %q is not jti.secret", credential.Token)
	}

	claims, err := service.Validate(context.Background(), access)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want %q", claims.Subject, "user-1")
	}
}

func TestRotateRefresh(t *testing.T) {
	service := newTestService(t)

	_, credential, _, err := service.IssueRefreshPair(context.Background(), "user-1", "device-1", "")
	if err != nil {
		t.Fatalf("issue refresh pair: %v", err)
	}

	access, successor, _, err := service.RotateRefresh(context.Background(), credential.Token)
	if err != nil {
		t.Fatalf("rotate refresh: %v", err)
	}
	if successor.JTI == credential.JTI {
		t.Fatal("successor reused the presented jti")
	}
	if _, err := service.Validate(context.Background(), access); err != nil {
		t.Fatalf("validate rotated access token: %v", err)
	}

	// Replaying the rotated credential surfaces reuse.
	_, _, _, err = service.RotateRefresh(context.Background(), credential.Token)
	if !apperrors.HasCode(err, apperrors.CodeRefreshReuse) {
		t.Fatalf("expected reuse code, got %v", err)
	}
}
