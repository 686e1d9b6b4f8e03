package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/signet/internal/storage"
)

func testRefreshToken(jti, userID, deviceID string, issuedAt time.Time) storage.RefreshToken {
	return storage.RefreshToken{
		JTI:        jti,
		UserID:     userID,
		DeviceID:   deviceID,
		SecretHash: "hash-" + jti,
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(30 * 24 * time.Hour),
		IP:         "203.0.113.7",
	}
}

func TestCreateRefreshTokenRevokesPriorDeviceToken(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), first, nil); err != nil {
		t.Fatalf("create first token: %v", err)
	}

	second := testRefreshToken("jti-2", "user-1", "device-1", now.Add(time.Hour))
	if err := store.CreateRefreshToken(context.Background(), second, nil); err != nil {
		t.Fatalf("create second token: %v", err)
	}

	got, err := store.GetRefreshToken(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("get first token: %v", err)
	}
	if got.Status != storage.RefreshStatusRevoked {
		t.Fatalf("first token status = %q, want %q", got.Status, storage.RefreshStatusRevoked)
	}
	if got.RevokedAt == nil {
		t.Fatal("expected revoked_at recorded")
	}

	got, err = store.GetRefreshToken(context.Background(), "jti-2")
	if err != nil {
		t.Fatalf("get second token: %v", err)
	}
	if got.Status != storage.RefreshStatusActive {
		t.Fatalf("second token status = %q, want %q", got.Status, storage.RefreshStatusActive)
	}
}

func TestCreateRefreshTokenEnqueuesEventsOnlyWhenPredecessorRevoked(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	event := func(id string) []storage.OutboxMessage {
		return []storage.OutboxMessage{{
			ID:          id,
			EventType:   "auth.token_revoked",
			PayloadJSON: `{"user_id":"user-1"}`,
		}}
	}

	first := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), first, event("msg-1")); err != nil {
		t.Fatalf("create first token: %v", err)
	}

	// No predecessor revoked, so no event lands.
	if _, err := store.GetOutboxMessage(context.Background(), "msg-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no event for first issuance, got %v", err)
	}

	second := testRefreshToken("jti-2", "user-1", "device-1", now.Add(time.Hour))
	if err := store.CreateRefreshToken(context.Background(), second, event("msg-2")); err != nil {
		t.Fatalf("create second token: %v", err)
	}

	got, err := store.GetOutboxMessage(context.Background(), "msg-2")
	if err != nil {
		t.Fatalf("get outbox message: %v", err)
	}
	if got.EventType != "auth.token_revoked" {
		t.Fatalf("event type = %q, want %q", got.EventType, "auth.token_revoked")
	}
	if got.Status != storage.OutboxStatusPending {
		t.Fatalf("event status = %q, want %q", got.Status, storage.OutboxStatusPending)
	}
}

func TestRotateRefreshToken(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	token := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), token, nil); err != nil {
		t.Fatalf("create token: %v", err)
	}

	successor := testRefreshToken("jti-2", "user-1", "device-1", now.Add(time.Minute))
	if err := store.RotateRefreshToken(context.Background(), "jti-1", successor, now.Add(time.Minute), nil); err != nil {
		t.Fatalf("rotate token: %v", err)
	}

	predecessor, err := store.GetRefreshToken(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("get predecessor: %v", err)
	}
	if predecessor.Status != storage.RefreshStatusRotated {
		t.Fatalf("predecessor status = %q, want %q", predecessor.Status, storage.RefreshStatusRotated)
	}
	if predecessor.ReplacedBy != "jti-2" {
		t.Fatalf("predecessor replaced by = %q, want %q", predecessor.ReplacedBy, "jti-2")
	}

	got, err := store.GetRefreshToken(context.Background(), "jti-2")
	if err != nil {
		t.Fatalf("get successor: %v", err)
	}
	if got.Status != storage.RefreshStatusActive {
		t.Fatalf("successor status = %q, want %q", got.Status, storage.RefreshStatusActive)
	}
}

func TestRotateRefreshTokenRotatedRowReturnsNotActive(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	token := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), token, nil); err != nil {
		t.Fatalf("create token: %v", err)
	}
	successor := testRefreshToken("jti-2", "user-1", "device-1", now.Add(time.Minute))
	if err := store.RotateRefreshToken(context.Background(), "jti-1", successor, now.Add(time.Minute), nil); err != nil {
		t.Fatalf("rotate token: %v", err)
	}

	// A second presentation of jti-1 must lose the conditional update.
	replay := testRefreshToken("jti-3", "user-1", "device-1", now.Add(2*time.Minute))
	err := store.RotateRefreshToken(context.Background(), "jti-1", replay, now.Add(2*time.Minute), nil)
	if !errors.Is(err, storage.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	// The losing transaction must not have inserted its successor.
	if _, err := store.GetRefreshToken(context.Background(), "jti-3"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for losing successor, got %v", err)
	}
}

func TestRotateRefreshTokenExpiredRowReturnsNotActive(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	token := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), token, nil); err != nil {
		t.Fatalf("create token: %v", err)
	}

	after := token.ExpiresAt.Add(time.Minute)
	successor := testRefreshToken("jti-2", "user-1", "device-1", after)
	err := store.RotateRefreshToken(context.Background(), "jti-1", successor, after, nil)
	if !errors.Is(err, storage.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestRevokeRefreshTokensByUser(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, tok := range []storage.RefreshToken{
		testRefreshToken("jti-1", "user-1", "device-1", now),
		testRefreshToken("jti-2", "user-1", "device-2", now),
		testRefreshToken("jti-3", "user-2", "device-1", now),
	} {
		if err := store.CreateRefreshToken(context.Background(), tok, nil); err != nil {
			t.Fatalf("create %s: %v", tok.JTI, err)
		}
	}

	affected, err := store.RevokeRefreshTokens(context.Background(), storage.RevokeTarget{UserID: "user-1"}, now.Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("revoke user tokens: %v", err)
	}
	if affected != 2 {
		t.Fatalf("revoked %d tokens, want 2", affected)
	}

	other, err := store.GetRefreshToken(context.Background(), "jti-3")
	if err != nil {
		t.Fatalf("get other user token: %v", err)
	}
	if other.Status != storage.RefreshStatusActive {
		t.Fatalf("other user token status = %q, want %q", other.Status, storage.RefreshStatusActive)
	}
}

func TestRevokeRefreshTokensIdempotent(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	token := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), token, nil); err != nil {
		t.Fatalf("create token: %v", err)
	}

	target := storage.RevokeTarget{JTI: "jti-1"}
	affected, err := store.RevokeRefreshTokens(context.Background(), target, now, nil)
	if err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if affected != 1 {
		t.Fatalf("revoked %d tokens, want 1", affected)
	}

	affected, err = store.RevokeRefreshTokens(context.Background(), target, now.Add(time.Minute), nil)
	if err != nil {
		t.Fatalf("revoke token again: %v", err)
	}
	if affected != 0 {
		t.Fatalf("second revoke affected %d tokens, want 0", affected)
	}
}

func TestMarkRefreshTokenExpired(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	token := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), token, nil); err != nil {
		t.Fatalf("create token: %v", err)
	}

	// Not yet past expiry; the conditional update must not fire.
	if err := store.MarkRefreshTokenExpired(context.Background(), "jti-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("mark expired early: %v", err)
	}
	got, err := store.GetRefreshToken(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got.Status != storage.RefreshStatusActive {
		t.Fatalf("token status = %q, want %q", got.Status, storage.RefreshStatusActive)
	}

	if err := store.MarkRefreshTokenExpired(context.Background(), "jti-1", token.ExpiresAt.Add(time.Minute)); err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	got, err = store.GetRefreshToken(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("get token after expiry: %v", err)
	}
	if got.Status != storage.RefreshStatusExpired {
		t.Fatalf("token status = %q, want %q", got.Status, storage.RefreshStatusExpired)
	}
}

func TestPurgeRefreshTokensKeepsActiveRows(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	stale := testRefreshToken("jti-1", "user-1", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), stale, nil); err != nil {
		t.Fatalf("create stale token: %v", err)
	}
	if _, err := store.RevokeRefreshTokens(context.Background(), storage.RevokeTarget{JTI: "jti-1"}, now, nil); err != nil {
		t.Fatalf("revoke stale token: %v", err)
	}
	live := testRefreshToken("jti-2", "user-2", "device-1", now)
	if err := store.CreateRefreshToken(context.Background(), live, nil); err != nil {
		t.Fatalf("create live token: %v", err)
	}

	affected, err := store.PurgeRefreshTokens(context.Background(), stale.ExpiresAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge tokens: %v", err)
	}
	if affected != 1 {
		t.Fatalf("purged %d tokens, want 1", affected)
	}

	if _, err := store.GetRefreshToken(context.Background(), "jti-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected purged token gone, got %v", err)
	}
	if _, err := store.GetRefreshToken(context.Background(), "jti-2"); err != nil {
		t.Fatalf("expected live token kept, got %v", err)
	}
}
