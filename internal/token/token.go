// Package token issues and validates access tokens and fronts the refresh
// token ledger.
//
// Access tokens are EdDSA-signed JWTs carrying the signing key id in the
// kid header, so validators can pick the right public key across
// rotations. Refresh tokens are opaque ledger credentials; this package
// only routes them.
package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/signet/internal/keyring"
	"github.com/louisbranch/signet/internal/ledger"
	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/platform/id"
)

// Config carries token issuance parameters.
type Config struct {
	Issuer    string
	Audience  string
	AccessTTL time.Duration
}

// Claims is the validated content of an access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Keyring is the key material surface the service needs.
type Keyring interface {
	CurrentSigningKey(ctx context.Context) (keyring.Key, error)
	ValidatorsFor(ctx context.Context, kid string) (ed25519.PublicKey, error)
}

// RefreshLedger is the refresh token surface the service fronts.
type RefreshLedger interface {
	Issue(ctx context.Context, userID, deviceID, ip string) (ledger.Credential, error)
	Rotate(ctx context.Context, presented string) (ledger.Credential, error)
}

// Service issues and validates credentials.
type Service struct {
	keys    Keyring
	refresh RefreshLedger
	cfg     Config

	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService builds a Service.
func NewService(keys Keyring, refresh RefreshLedger, cfg Config) (*Service, error) {
	if keys == nil {
		return nil, fmt.Errorf("keyring is required")
	}
	if refresh == nil {
		return nil, fmt.Errorf("refresh ledger is required")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if cfg.AccessTTL <= 0 {
		return nil, fmt.Errorf("access ttl must be greater than zero")
	}
	return &Service{
		keys:        keys,
		refresh:     refresh,
		cfg:         cfg,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: id.NewID,
	}, nil
}

// IssueAccessToken mints a signed access token for userID. Extra claims
// ride alongside the registered set; registered claim names win.
func (s *Service) IssueAccessToken(ctx context.Context, userID string, extra map[string]any) (string, time.Duration, error) {
	if s == nil {
		return "", 0, fmt.Errorf("token service is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", 0, apperrors.New(apperrors.CodeInvalidArgument, "user id is required")
	}

	key, err := s.keys.CurrentSigningKey(ctx)
	if err != nil {
		return "", 0, err
	}
	jti, err := s.idGenerator()
	if err != nil {
		return "", 0, fmt.Errorf("generate jti: %w", err)
	}

	now := s.clock()
	claims := jwt.MapClaims{}
	for name, value := range extra {
		claims[name] = value
	}
	claims["iss"] = s.cfg.Issuer
	claims["aud"] = s.cfg.Audience
	claims["sub"] = userID
	claims["jti"] = jti
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(now.Add(s.cfg.AccessTTL))

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.Kid
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", 0, fmt.Errorf("sign access token: %w", err)
	}
	return signed, s.cfg.AccessTTL, nil
}

// Validate verifies an access token end to end: signature against the key
// named by kid, expiry, issuer, and audience. Validation failures are
// terminal; callers must not fall back to a refresh here.
func (s *Service) Validate(ctx context.Context, raw string) (Claims, error) {
	if s == nil {
		return Claims{}, fmt.Errorf("token service is not configured")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, apperrors.New(apperrors.CodeTokenMalformed, "access token is required")
	}

	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, apperrors.New(apperrors.CodeUnknownSigningKey, "access token names no signing key")
		}
		public, err := s.keys.ValidatorsFor(ctx, kid)
		if err != nil {
			return nil, err
		}
		return public, nil
	}

	parsed, err := jwt.Parse(raw, keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return Claims{}, mapValidationError(err)
	}

	mapped, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, apperrors.New(apperrors.CodeTokenMalformed, "access token claims are malformed")
	}
	return claimsFrom(mapped)
}

func mapValidationError(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeTokenExpired, "access token expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeTokenSignatureInvalid, "access token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperrors.Wrap(apperrors.CodeTokenSignatureInvalid, "access token claims are not acceptable", err)
	}
	return apperrors.Wrap(apperrors.CodeTokenMalformed, "access token is malformed", err)
}

func claimsFrom(mapped jwt.MapClaims) (Claims, error) {
	subject, err := mapped.GetSubject()
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeTokenMalformed, "access token subject is malformed", err)
	}
	issuer, err := mapped.GetIssuer()
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeTokenMalformed, "access token issuer is malformed", err)
	}
	audience, err := mapped.GetAudience()
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeTokenMalformed, "access token audience is malformed", err)
	}
	issuedAt, err := mapped.GetIssuedAt()
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeTokenMalformed, "access token issued-at is malformed", err)
	}
	expiresAt, err := mapped.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeTokenMalformed, "access token expiry is malformed", err)
	}

	claims := Claims{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: expiresAt.Time,
	}
	if issuedAt != nil {
		claims.IssuedAt = issuedAt.Time
	}
	if jti, ok := mapped["jti"].(string); ok {
		claims.JTI = jti
	}
	return claims, nil
}

// IssueRefreshPair issues an access token and a fresh refresh credential
// for the same user.
func (s *Service) IssueRefreshPair(ctx context.Context, userID, deviceID, ip string) (string, ledger.Credential, time.Duration, error) {
	if s == nil {
		return "", ledger.Credential{}, 0, fmt.Errorf("token service is not configured")
	}

	credential, err := s.refresh.Issue(ctx, userID, deviceID, ip)
	if err != nil {
		return "", ledger.Credential{}, 0, err
	}
	access, ttl, err := s.IssueAccessToken(ctx, userID, nil)
	if err != nil {
		return "", ledger.Credential{}, 0, err
	}
	return access, credential, ttl, nil
}

// RotateRefresh exchanges a presented refresh token for a successor pair.
// On reuse detection the ledger has already revoked the family and queued
// the security event; the reuse error passes through untouched.
func (s *Service) RotateRefresh(ctx context.Context, presented string) (string, ledger.Credential, time.Duration, error) {
	if s == nil {
		return "", ledger.Credential{}, 0, fmt.Errorf("token service is not configured")
	}

	credential, err := s.refresh.Rotate(ctx, presented)
	if err != nil {
		return "", ledger.Credential{}, 0, err
	}
	access, ttl, err := s.IssueAccessToken(ctx, credential.UserID, nil)
	if err != nil {
		return "", ledger.Credential{}, 0, err
	}
	return access, credential, ttl, nil
}
