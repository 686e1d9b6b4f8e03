// Package keyring manages the signing key lifecycle: minting, activation,
// overlap-window rotation, and retirement with a validation grace period.
//
// Exactly one key is active at any instant. Rotation demotes the active key
// to retiring for one overlap window, during which it still validates and
// publishes, then retires it with a grace window during which it validates
// only. Private key material is sealed before it reaches storage and
// unsealed only in memory.
package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/platform/id"
	"github.com/louisbranch/signet/internal/storage"
)

// Config carries the rotation schedule.
type Config struct {
	// Overlap is how long a demoted key keeps signing-set membership for
	// validation and JWKS publication.
	Overlap time.Duration
	// Grace is how long a retired key keeps validating after its overlap
	// window ends.
	Grace time.Duration
	// KeyTTL caps the intended lifetime recorded on a freshly minted key.
	KeyTTL time.Duration
}

// Key is an unsealed signing key ready for use.
type Key struct {
	Kid     string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PublicKey is the publishable projection of a signing key. Private
// material never leaves the manager through this type.
type PublicKey struct {
	Kid       string
	Algorithm string
	Public    ed25519.PublicKey
}

// Manager drives the key lifecycle against the signing key store.
type Manager struct {
	store  storage.SigningKeyStore
	sealer *sealer
	cfg    Config

	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewManager builds a Manager. sealingKey must be 32 bytes.
func NewManager(store storage.SigningKeyStore, sealingKey []byte, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("signing key store is required")
	}
	if cfg.Overlap <= 0 {
		return nil, fmt.Errorf("overlap must be greater than zero")
	}
	if cfg.Grace < 0 {
		return nil, fmt.Errorf("grace must not be negative")
	}
	if cfg.KeyTTL <= 0 {
		return nil, fmt.Errorf("key ttl must be greater than zero")
	}
	sealer, err := newSealer(sealingKey)
	if err != nil {
		return nil, fmt.Errorf("configure sealer: %w", err)
	}
	return &Manager{
		store:       store,
		sealer:      sealer,
		cfg:         cfg,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: id.NewID,
	}, nil
}

// Rotate mints a fresh keypair and installs it as the active key. Calling
// Rotate again while the freshly activated key is still inside its overlap
// window is a no-op, so retried rotations cannot churn the key set. The
// previous active key stays untouched if anything fails.
func (m *Manager) Rotate(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("keyring manager is not configured")
	}
	now := m.clock()

	active, err := m.store.GetActiveSigningKey(ctx)
	if err == nil && now.Sub(active.ActivatedAt) < m.cfg.Overlap {
		return nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeKeyGeneration, "read active signing key", err)
	}
	return m.promote(ctx, now)
}

// ForceRotate mints and installs a fresh key even when the active key is
// still inside its overlap window. Operator use only.
func (m *Manager) ForceRotate(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("keyring manager is not configured")
	}
	return m.promote(ctx, m.clock())
}

func (m *Manager) promote(ctx context.Context, now time.Time) error {
	kid, err := m.idGenerator()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeKeyGeneration, "generate key id", err)
	}
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeKeyGeneration, "generate keypair", err)
	}
	sealed, err := m.sealer.Seal(private)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeKeyGeneration, "seal private key", err)
	}

	key := storage.SigningKey{
		Kid:              kid,
		Algorithm:        "EdDSA",
		PublicKey:        public,
		PrivateKeySealed: sealed,
		NotAfter:         now.Add(m.cfg.KeyTTL),
	}
	if err := m.store.PromoteSigningKey(ctx, key, m.cfg.Overlap, m.cfg.Grace, now); err != nil {
		return apperrors.Wrap(apperrors.CodeKeyGeneration, "promote signing key", err)
	}
	return nil
}

// CurrentSigningKey returns the active key with its private component
// unsealed.
func (m *Manager) CurrentSigningKey(ctx context.Context) (Key, error) {
	if m == nil {
		return Key{}, fmt.Errorf("keyring manager is not configured")
	}

	record, err := m.store.GetActiveSigningKey(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Key{}, apperrors.New(apperrors.CodeNoActiveKey, "no active signing key")
		}
		return Key{}, fmt.Errorf("read active signing key: %w", err)
	}

	private, err := m.sealer.Open(record.PrivateKeySealed)
	if err != nil {
		return Key{}, fmt.Errorf("unseal private key %s: %w", record.Kid, err)
	}
	if len(private) != ed25519.PrivateKeySize {
		return Key{}, fmt.Errorf("unsealed private key %s has %d bytes", record.Kid, len(private))
	}
	return Key{
		Kid:     record.Kid,
		Public:  ed25519.PublicKey(record.PublicKey),
		Private: ed25519.PrivateKey(private),
	}, nil
}

// PublishableKeySet returns the active and in-overlap retiring keys,
// public material only, ordered by kid.
func (m *Manager) PublishableKeySet(ctx context.Context) ([]PublicKey, error) {
	if m == nil {
		return nil, fmt.Errorf("keyring manager is not configured")
	}

	records, err := m.store.ListPublishableSigningKeys(ctx, m.clock())
	if err != nil {
		return nil, fmt.Errorf("list publishable signing keys: %w", err)
	}
	keys := make([]PublicKey, 0, len(records))
	for _, record := range records {
		keys = append(keys, PublicKey{
			Kid:       record.Kid,
			Algorithm: record.Algorithm,
			Public:    ed25519.PublicKey(record.PublicKey),
		})
	}
	return keys, nil
}

// ValidatorsFor returns the public key for kid if tokens signed by it are
// still acceptable: the key is active, retiring, or retired within its
// grace window. State is evaluated lazily against the clock, so a retiring
// key whose overlap elapsed is judged as retired even before the stored
// state catches up.
func (m *Manager) ValidatorsFor(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if m == nil {
		return nil, fmt.Errorf("keyring manager is not configured")
	}

	record, err := m.store.GetSigningKey(ctx, kid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.WithMetadata(apperrors.CodeUnknownSigningKey, "unknown signing key", map[string]string{"kid": kid})
		}
		return nil, fmt.Errorf("read signing key %s: %w", kid, err)
	}

	now := m.clock()
	switch record.State {
	case storage.KeyStateActive:
		return ed25519.PublicKey(record.PublicKey), nil
	case storage.KeyStateRetiring:
		if now.Before(record.NotAfter) {
			return ed25519.PublicKey(record.PublicKey), nil
		}
		// Overlap elapsed but the row has not been swept yet; judge it
		// as retired and nudge the stored state along.
		if _, sweepErr := m.store.RetireElapsedSigningKeys(ctx, m.cfg.Grace, now); sweepErr != nil {
			return nil, fmt.Errorf("retire elapsed signing keys: %w", sweepErr)
		}
		if now.Before(record.NotAfter.Add(m.cfg.Grace)) {
			return ed25519.PublicKey(record.PublicKey), nil
		}
	case storage.KeyStateRetired:
		if record.GraceUntil != nil && now.Before(*record.GraceUntil) {
			return ed25519.PublicKey(record.PublicKey), nil
		}
	}
	return nil, apperrors.WithMetadata(apperrors.CodeUnknownSigningKey, "signing key is no longer accepted", map[string]string{"kid": kid})
}
