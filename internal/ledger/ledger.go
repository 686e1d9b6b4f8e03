// Package ledger owns the refresh token state machine: issuance, rotation,
// revocation, and reuse detection.
//
// Tokens cross the wire as "jti.secret". Only a SHA-256 hash of the secret
// is stored, so a database read never yields a usable credential. Rotated,
// revoked, and expired are terminal states; presenting a token in a
// terminal non-expired state is treated as credential theft and revokes
// the whole (user, device) family.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/platform/id"
	"github.com/louisbranch/signet/internal/storage"
)

// Outbox event types produced by ledger transitions.
const (
	EventTokenRevoked  = "auth.token_revoked"
	EventReuseDetected = "auth.reuse_detected"
)

const secretBytes = 32

// Config carries refresh token lifetimes.
type Config struct {
	// TTL is how long an issued refresh token stays presentable.
	TTL time.Duration
	// Retention is how long terminal rows are kept for reuse forensics
	// before PurgeExpired removes them.
	Retention time.Duration
}

// Credential is a freshly issued refresh token. Token is the only copy of
// the usable wire value; it is never reconstructable from storage.
type Credential struct {
	JTI       string
	Token     string
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
}

// Store is the persistence surface the ledger needs.
type Store interface {
	storage.RefreshTokenStore
}

// Ledger drives refresh token transitions against the store.
type Ledger struct {
	store Store
	cfg   Config

	clock       func() time.Time
	idGenerator func() (string, error)
}

// New builds a Ledger.
func New(store Store, cfg Config) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("refresh token ttl must be greater than zero")
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative")
	}
	return &Ledger{
		store:       store,
		cfg:         cfg,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: id.NewID,
	}, nil
}

// hashSecret is the at-rest representation of a refresh token secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// parseToken splits a presented wire value into jti and secret.
func parseToken(presented string) (string, string, error) {
	presented = strings.TrimSpace(presented)
	jti, secret, ok := strings.Cut(presented, ".")
	if !ok || jti == "" || secret == "" {
		return "", "", apperrors.New(apperrors.CodeUnknownToken, "malformed refresh token")
	}
	return jti, secret, nil
}

func newSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (l *Ledger) mint(userID, deviceID, ip string, now time.Time) (storage.RefreshToken, Credential, error) {
	jti, err := l.idGenerator()
	if err != nil {
		return storage.RefreshToken{}, Credential{}, fmt.Errorf("generate jti: %w", err)
	}
	secret, err := newSecret()
	if err != nil {
		return storage.RefreshToken{}, Credential{}, err
	}

	expiresAt := now.Add(l.cfg.TTL)
	row := storage.RefreshToken{
		JTI:        jti,
		UserID:     userID,
		DeviceID:   deviceID,
		SecretHash: hashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		IP:         ip,
	}
	credential := Credential{
		JTI:       jti,
		Token:     jti + "." + secret,
		UserID:    userID,
		DeviceID:  deviceID,
		ExpiresAt: expiresAt,
	}
	return row, credential, nil
}

func revokedEvent(userID, deviceID, reason, dedupe string, eventID string, now time.Time) storage.OutboxMessage {
	payload, _ := json.Marshal(map[string]string{
		"user_id":   userID,
		"device_id": deviceID,
		"reason":    reason,
	})
	return storage.OutboxMessage{
		ID:            eventID,
		EventType:     EventTokenRevoked,
		PayloadJSON:   string(payload),
		DedupeKey:     dedupe,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// Issue creates a new refresh token for (userID, deviceID). Any prior
// active token for the pair is revoked in the same transaction.
func (l *Ledger) Issue(ctx context.Context, userID, deviceID, ip string) (Credential, error) {
	if l == nil {
		return Credential{}, fmt.Errorf("ledger is not configured")
	}
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" {
		return Credential{}, apperrors.New(apperrors.CodeInvalidArgument, "user id is required")
	}
	if deviceID == "" {
		return Credential{}, apperrors.New(apperrors.CodeInvalidArgument, "device id is required")
	}

	now := l.clock()
	row, credential, err := l.mint(userID, deviceID, ip, now)
	if err != nil {
		return Credential{}, err
	}

	eventID, err := l.idGenerator()
	if err != nil {
		return Credential{}, fmt.Errorf("generate event id: %w", err)
	}
	events := []storage.OutboxMessage{
		revokedEvent(userID, deviceID, "superseded", "revoked:superseded:"+row.JTI, eventID, now),
	}
	if err := l.store.CreateRefreshToken(ctx, row, events); err != nil {
		return Credential{}, fmt.Errorf("create refresh token: %w", err)
	}
	return credential, nil
}

// Rotate exchanges a presented refresh token for a successor. Presenting a
// token that already rotated or was revoked is reuse: the whole family is
// revoked and CodeRefreshReuse surfaces. Of two concurrent rotations of
// the same token exactly one succeeds; the other observes the reuse path.
func (l *Ledger) Rotate(ctx context.Context, presented string) (Credential, error) {
	if l == nil {
		return Credential{}, fmt.Errorf("ledger is not configured")
	}

	jti, secret, err := parseToken(presented)
	if err != nil {
		return Credential{}, err
	}

	row, err := l.store.GetRefreshToken(ctx, jti)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Credential{}, apperrors.New(apperrors.CodeUnknownToken, "unknown refresh token")
		}
		return Credential{}, fmt.Errorf("get refresh token: %w", err)
	}
	if !hmac.Equal([]byte(hashSecret(secret)), []byte(row.SecretHash)) {
		return Credential{}, apperrors.New(apperrors.CodeUnknownToken, "unknown refresh token")
	}

	now := l.clock()
	if outcome, handled := l.judgeTerminal(ctx, row, now); handled {
		return Credential{}, outcome
	}

	successor, credential, err := l.mint(row.UserID, row.DeviceID, row.IP, now)
	if err != nil {
		return Credential{}, err
	}
	err = l.store.RotateRefreshToken(ctx, jti, successor, now, nil)
	if err == nil {
		return credential, nil
	}
	if !errors.Is(err, storage.ErrNotActive) {
		return Credential{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	// Lost the conditional update. Re-read to tell a concurrent winner
	// (reuse) from expiry.
	row, err = l.store.GetRefreshToken(ctx, jti)
	if err != nil {
		return Credential{}, fmt.Errorf("reload refresh token: %w", err)
	}
	if outcome, handled := l.judgeTerminal(ctx, row, now); handled {
		return Credential{}, outcome
	}
	// Active again should be impossible; treat it as reuse to stay safe.
	return Credential{}, l.handleReuse(ctx, row, now)
}

// judgeTerminal maps a terminal (or lazily expired) row to its outcome.
// The second return reports whether the row was terminal.
func (l *Ledger) judgeTerminal(ctx context.Context, row storage.RefreshToken, now time.Time) (error, bool) {
	switch row.Status {
	case storage.RefreshStatusActive:
		if now.Before(row.ExpiresAt) {
			return nil, false
		}
		// Expiry is judged lazily; persisting it is best-effort.
		if err := l.store.MarkRefreshTokenExpired(ctx, row.JTI, now); err != nil {
			return fmt.Errorf("mark refresh token expired: %w", err), true
		}
		return apperrors.New(apperrors.CodeTokenExpired, "refresh token expired"), true
	case storage.RefreshStatusExpired:
		return apperrors.New(apperrors.CodeTokenExpired, "refresh token expired"), true
	case storage.RefreshStatusRotated, storage.RefreshStatusRevoked:
		return l.handleReuse(ctx, row, now), true
	}
	return fmt.Errorf("refresh token %s has unknown status %q", row.JTI, row.Status), true
}

// handleReuse revokes the whole (user, device) family and queues the
// security event. The dedupe key carries the presented jti so a replayed
// replay still produces a single event.
func (l *Ledger) handleReuse(ctx context.Context, row storage.RefreshToken, now time.Time) error {
	eventID, err := l.idGenerator()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	payload, _ := json.Marshal(map[string]string{
		"user_id":   row.UserID,
		"device_id": row.DeviceID,
		"jti":       row.JTI,
		"ip":        row.IP,
	})
	events := []storage.OutboxMessage{{
		ID:            eventID,
		EventType:     EventReuseDetected,
		PayloadJSON:   string(payload),
		DedupeKey:     "reuse:" + row.JTI,
		CreatedAt:     now,
		NextAttemptAt: now,
	}}
	target := storage.RevokeTarget{UserID: row.UserID, DeviceID: row.DeviceID}
	if _, err := l.store.RevokeRefreshTokens(ctx, target, now, events); err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return apperrors.WithMetadata(apperrors.CodeRefreshReuse, "refresh token reuse detected", map[string]string{
		"user_id":   row.UserID,
		"device_id": row.DeviceID,
	})
}

// Revoke revokes every non-terminal token matching target. Revoking an
// already-terminal set is a no-op, never an error.
func (l *Ledger) Revoke(ctx context.Context, target storage.RevokeTarget) (int64, error) {
	if l == nil {
		return 0, fmt.Errorf("ledger is not configured")
	}
	if strings.TrimSpace(target.JTI) == "" && strings.TrimSpace(target.UserID) == "" {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "revoke target is required")
	}

	now := l.clock()
	eventID, err := l.idGenerator()
	if err != nil {
		return 0, fmt.Errorf("generate event id: %w", err)
	}
	dedupe := "revoked:request:" + strings.TrimSpace(target.JTI)
	if target.JTI == "" {
		dedupe = fmt.Sprintf("revoked:request:%s:%s:%d", target.UserID, target.DeviceID, now.UnixMilli())
	}
	events := []storage.OutboxMessage{
		revokedEvent(target.UserID, target.DeviceID, "requested", dedupe, eventID, now),
	}
	affected, err := l.store.RevokeRefreshTokens(ctx, target, now, events)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return affected, nil
}

// PurgeExpired removes terminal rows past the retention window. Hygiene
// only; correctness never depends on it running.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	if l == nil {
		return 0, fmt.Errorf("ledger is not configured")
	}
	cutoff := l.clock().Add(-l.cfg.Retention)
	affected, err := l.store.PurgeRefreshTokens(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return affected, nil
}
