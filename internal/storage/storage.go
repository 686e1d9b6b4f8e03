// Package storage defines the persistence contracts for Signet.
//
// The persistence layer is the single arbiter of truth: every
// cross-instance decision (key rotation state, refresh token state, outbox
// and inbox claims, idempotency records) is expressed as a conditional or
// atomic operation against it. Implementations must honor the uniqueness
// and conditional-update semantics documented on each method; callers never
// hold locks across instances.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that a requested record does not exist, or that a
// conditional update matched no rows.
var ErrNotFound = errors.New("record not found")

// ErrNotActive indicates that a conditional state transition lost to a
// concurrent writer: the row exists but is no longer in the required state.
var ErrNotActive = errors.New("record is not active")

// ErrAlreadyExists indicates a uniqueness constraint rejected an insert.
var ErrAlreadyExists = errors.New("record already exists")

// ErrAlreadyProcessed indicates an inbox message identity was claimed
// before; the caller must skip its handler.
var ErrAlreadyProcessed = errors.New("message already processed")

// Signing key states. Exactly one key is active at any instant; at most one
// additional key is retiring (validation-only overlap window).
const (
	KeyStatePending  = "pending"
	KeyStateActive   = "active"
	KeyStateRetiring = "retiring"
	KeyStateRetired  = "retired"
)

// SigningKey is one asymmetric signing key and its lifecycle state. The
// private component is stored sealed and never in plaintext.
type SigningKey struct {
	Kid              string
	Algorithm        string
	PublicKey        []byte // raw ed25519 public key
	PrivateKeySealed []byte // AEAD ciphertext of the private key
	State            string
	CreatedAt        time.Time
	NotBefore        time.Time
	NotAfter         time.Time
	ActivatedAt      time.Time
	RetiredAt        *time.Time
	GraceUntil       *time.Time // retired keys may still validate until this instant
}

// Refresh token states. Rotated, revoked, and expired are terminal.
const (
	RefreshStatusActive  = "active"
	RefreshStatusRotated = "rotated"
	RefreshStatusRevoked = "revoked"
	RefreshStatusExpired = "expired"
)

// RefreshToken is one row of the refresh token ledger. Terminal rows are
// kept for reuse-detection forensics until the retention cutoff.
type RefreshToken struct {
	JTI        string
	UserID     string
	DeviceID   string
	SecretHash string // hex SHA-256 of the opaque secret; raw value never stored
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string // successor jti, set iff status is rotated
	IP         string
	Status     string
}

// Terminal reports whether the token can never transition again.
func (t RefreshToken) Terminal() bool {
	switch t.Status {
	case RefreshStatusRotated, RefreshStatusRevoked, RefreshStatusExpired:
		return true
	}
	return false
}

// Outbox message states.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusLeased    = "leased"
	OutboxStatusSucceeded = "succeeded"
	OutboxStatusDead      = "dead"
)

// OutboxMessage is a domain event recorded transactionally alongside the
// state change it describes, for later reliable publication. Producers own
// creation only; the dispatcher owns all processing state.
type OutboxMessage struct {
	ID             string
	EventType      string
	PayloadJSON    string
	DedupeKey      string // producer-chosen uniqueness key; collisions are no-ops
	Status         string
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InboxMessage records an inbound message identity. (Source, MessageID)
// uniqueness enforces at-most-once handler execution under redelivery.
type InboxMessage struct {
	Source     string
	MessageID  string
	ReceivedAt time.Time
}

// Idempotency record states.
const (
	IdempotencyStatusInProgress = "in_progress"
	IdempotencyStatusCompleted  = "completed"
	IdempotencyStatusFailed     = "failed"
)

// IdempotencyRecord maps a client-supplied idempotency key to at most one
// terminal outcome for a given request fingerprint.
type IdempotencyRecord struct {
	Key            string
	Fingerprint    string // hex SHA-256 of method|path|body
	Status         string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Terminal reports whether the record holds a replayable outcome.
func (r IdempotencyRecord) Terminal() bool {
	return r.Status == IdempotencyStatusCompleted || r.Status == IdempotencyStatusFailed
}

// SigningKeyStore persists signing key material and lifecycle state.
type SigningKeyStore interface {
	// PromoteSigningKey installs key as the single active key in one
	// transaction: any retiring key is retired with its validation grace
	// recorded, the current active key (if any) is demoted to retiring
	// with notAfter set to the end of the overlap window, and key is
	// inserted active. The previous active key stays active if any step
	// fails.
	PromoteSigningKey(ctx context.Context, key SigningKey, overlap time.Duration, grace time.Duration, now time.Time) error

	// GetActiveSigningKey returns the single active key, or ErrNotFound.
	GetActiveSigningKey(ctx context.Context) (SigningKey, error)

	// GetSigningKey returns a key by kid regardless of state.
	GetSigningKey(ctx context.Context, kid string) (SigningKey, error)

	// ListPublishableSigningKeys returns active and retiring keys ordered
	// by kid. Retiring keys past their overlap are excluded.
	ListPublishableSigningKeys(ctx context.Context, now time.Time) ([]SigningKey, error)

	// RetireElapsedSigningKeys persists retired state for retiring keys
	// whose overlap elapsed, recording graceUntil as notAfter plus grace.
	// Returns how many rows changed. Hygiene only; reads already evaluate
	// elapsed overlap lazily.
	RetireElapsedSigningKeys(ctx context.Context, grace time.Duration, now time.Time) (int64, error)
}

// RefreshTokenStore persists the refresh token ledger. Methods that accept
// events enqueue the outbox messages in the same transaction as the ledger
// mutation.
type RefreshTokenStore interface {
	// CreateRefreshToken inserts token as active, revoking any prior
	// active row for the same (user, device) in the same transaction.
	// Events describe the predecessor revocation and are enqueued only
	// when a predecessor actually transitioned.
	CreateRefreshToken(ctx context.Context, token RefreshToken, events []OutboxMessage) error

	// GetRefreshToken returns a ledger row by jti, or ErrNotFound.
	GetRefreshToken(ctx context.Context, jti string) (RefreshToken, error)

	// RotateRefreshToken atomically transitions jti from active to rotated
	// with replacedBy set to successor.JTI, and inserts successor as
	// active, in one transaction. Returns ErrNotActive when a concurrent
	// rotation won: the caller must take the reuse-handling path.
	RotateRefreshToken(ctx context.Context, jti string, successor RefreshToken, now time.Time, events []OutboxMessage) error

	// RevokeRefreshTokens revokes every non-terminal row matching the
	// target in one transaction and reports how many rows transitioned.
	// Revoking already-terminal rows is a no-op, never an error.
	RevokeRefreshTokens(ctx context.Context, target RevokeTarget, now time.Time, events []OutboxMessage) (int64, error)

	// MarkRefreshTokenExpired opportunistically persists lazy expiry for an
	// active row past its expiresAt. Losing the conditional update is fine.
	MarkRefreshTokenExpired(ctx context.Context, jti string, now time.Time) error

	// PurgeRefreshTokens removes terminal rows whose expiry predates the
	// retention cutoff. Storage hygiene only.
	PurgeRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// RevokeTarget selects ledger rows for revocation: by jti, by user, or by
// (user, device) family. Exactly one of JTI or UserID must be set; DeviceID
// narrows UserID.
type RevokeTarget struct {
	JTI      string
	UserID   string
	DeviceID string
}

// OutboxStore persists outbox messages and their dispatch state. Claims are
// lease-based: a leased row is invisible to other dispatchers until its
// lease expires, so overlapping dispatcher instances never publish the same
// row concurrently.
type OutboxStore interface {
	// EnqueueOutboxMessage inserts a message. A dedupe key collision is
	// swallowed: the event was already recorded.
	EnqueueOutboxMessage(ctx context.Context, message OutboxMessage) error

	// GetOutboxMessage returns one message by id.
	GetOutboxMessage(ctx context.Context, id string) (OutboxMessage, error)

	// LeaseOutboxMessages atomically claims up to limit due messages for
	// owner, oldest first. Due means pending with nextAttemptAt <= now, or
	// leased with an expired lease.
	LeaseOutboxMessages(ctx context.Context, owner string, limit int, now time.Time, leaseTTL time.Duration) ([]OutboxMessage, error)

	// MarkOutboxSucceeded finalizes a leased message. Owner-checked:
	// returns ErrNotFound when the lease is no longer held.
	MarkOutboxSucceeded(ctx context.Context, id string, owner string, processedAt time.Time) error

	// MarkOutboxRetry releases a leased message for a later attempt,
	// incrementing its attempt count. Owner-checked.
	MarkOutboxRetry(ctx context.Context, id string, owner string, nextAttemptAt time.Time, lastError string) error

	// MarkOutboxDead marks a leased message permanently failed after its
	// attempt budget is exhausted. Owner-checked.
	MarkOutboxDead(ctx context.Context, id string, owner string, lastError string, processedAt time.Time) error
}

// InboxStore persists inbound message identities.
type InboxStore interface {
	// ClaimInboxMessage records (source, messageID) on first sight. A
	// repeat claim returns ErrAlreadyProcessed. Claims are permanent.
	ClaimInboxMessage(ctx context.Context, source string, messageID string, now time.Time) error
}

// IdempotencyStore persists idempotency records.
type IdempotencyStore interface {
	// InsertIdempotencyRecord inserts a fresh in-progress record. Returns
	// ErrAlreadyExists when the key is already present.
	InsertIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error

	// GetIdempotencyRecord returns the record for key, or ErrNotFound.
	GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, error)

	// FinishIdempotencyRecord transitions an in-progress record to the
	// given terminal status, persisting the response for replay. Returns
	// ErrNotActive when the record is not in progress.
	FinishIdempotencyRecord(ctx context.Context, key string, status string, responseStatus int, responseBody []byte, now time.Time) error

	// TakeOverIdempotencyRecord atomically adopts an in-progress record
	// whose updatedAt predates staleBefore, refreshing updatedAt to now.
	// Returns ErrNotFound when the record is absent, terminal, or still
	// live. Bounded liveness: an abandoned record never blocks forever.
	TakeOverIdempotencyRecord(ctx context.Context, key string, staleBefore time.Time, now time.Time) error

	// PurgeIdempotencyRecords removes records past their TTL.
	PurgeIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}
