package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/storage"
	"github.com/louisbranch/signet/internal/storage/sqlite"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *sqlite.Store) {
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

	coordinator, err := NewCoordinator(store, cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator, store
}

func TestBeginFirstRequestProceeds(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{})

	decision, err := coordinator.Begin(context.Background(), "key-1", Fingerprint("POST", "/v1/token", []byte(`{}`)))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if decision.Kind != Proceed {
		t.Fatalf("decision = %q, want %q", decision.Kind, Proceed)
	}
}

func TestBeginReplaysTerminalOutcome(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{})
	fingerprint := Fingerprint("POST", "/v1/token", []byte(`{"user":"u"}`))

	decision, err := coordinator.Begin(context.Background(), "key-1", fingerprint)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if decision.Kind != Proceed {
		t.Fatalf("decision = %q, want %q", decision.Kind, Proceed)
	}
	body := []byte(`{"access_token":"..."}`)
	if err := coordinator.Complete(context.Background(), "key-1", 200, body); err != nil {
		t.Fatalf("complete: %v", err)
	}

	decision, err = coordinator.Begin(context.Background(), "key-1", fingerprint)
	if err != nil {
		t.Fatalf("begin retry: %v", err)
	}
	if decision.Kind != Replay {
		t.Fatalf("retry decision = %q, want %q", decision.Kind, Replay)
	}
	if decision.ResponseStatus != 200 {
		t.Fatalf("replay status = %d, want 200", decision.ResponseStatus)
	}
	if string(decision.ResponseBody) != string(body) {
		t.Fatalf("replay body = %q, want %q", decision.ResponseBody, body)
	}
}

func TestBeginReplaysFailedOutcome(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{})
	fingerprint := Fingerprint("POST", "/v1/token", nil)

	if _, err := coordinator.Begin(context.Background(), "key-1", fingerprint); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := coordinator.Fail(context.Background(), "key-1", 401, []byte(`{"error_kind":"INVALID_CREDENTIALS"}`)); err != nil {
		t.Fatalf("fail: %v", err)
	}

	decision, err := coordinator.Begin(context.Background(), "key-1", fingerprint)
	if err != nil {
		t.Fatalf("begin retry: %v", err)
	}
	if decision.Kind != Replay {
		t.Fatalf("retry decision = %q, want %q", decision.Kind, Replay)
	}
	if decision.ResponseStatus != 401 {
		t.Fatalf("replay status = %d, want 401", decision.ResponseStatus)
	}
}

func TestBeginRejectsDifferentFingerprint(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{})

	if _, err := coordinator.Begin(context.Background(), "key-1", Fingerprint("POST", "/v1/token", []byte(`a`))); err != nil {
		t.Fatalf("begin: %v", err)
	}

	_, err := coordinator.Begin(context.Background(), "key-1", Fingerprint("POST", "/v1/token", []byte(`b`)))
	if !apperrors.HasCode(err, apperrors.CodeIdempotencyKeyConflict) {
		t.Fatalf("expected key conflict code, got %v", err)
	}
}

func TestBeginCoalesceTimesOut(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{
		Liveness:     time.Hour,
		PollInterval: 10 * time.Millisecond,
		CoalesceWait: 50 * time.Millisecond,
	})
	fingerprint := Fingerprint("POST", "/v1/token", nil)

	if _, err := coordinator.Begin(context.Background(), "key-1", fingerprint); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// The first execution never finishes; the waiter must give up
	// without executing.
	_, err := coordinator.Begin(context.Background(), "key-1", fingerprint)
	if !apperrors.HasCode(err, apperrors.CodeIdempotencyInFlight) {
		t.Fatalf("expected in-flight code, got %v", err)
	}
}

func TestBeginCoalesceObservesCompletion(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{
		Liveness:     time.Hour,
		PollInterval: 10 * time.Millisecond,
		CoalesceWait: 2 * time.Second,
	})
	fingerprint := Fingerprint("POST", "/v1/token", nil)

	if _, err := coordinator.Begin(context.Background(), "key-1", fingerprint); err != nil {
		t.Fatalf("begin: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = coordinator.Complete(context.Background(), "key-1", 200, []byte(`{"ok":true}`))
	}()

	decision, err := coordinator.Begin(context.Background(), "key-1", fingerprint)
	if err != nil {
		t.Fatalf("begin waiter: %v", err)
	}
	if decision.Kind != Replay {
		t.Fatalf("waiter decision = %q, want %q", decision.Kind, Replay)
	}
	if decision.ResponseStatus != 200 {
		t.Fatalf("waiter status = %d, want 200", decision.ResponseStatus)
	}
}

func TestBeginAdoptsStaleExecution(t *testing.T) {
	coordinator, store := newTestCoordinator(t, Config{
		Liveness: 30 * time.Second,
	})
	fingerprint := Fingerprint("POST", "/v1/token", nil)

	stale := time.Now().UTC().Add(-time.Hour)
	err := store.InsertIdempotencyRecord(context.Background(), storage.IdempotencyRecord{
		Key:         "key-1",
		Fingerprint: fingerprint,
		Status:      storage.IdempotencyStatusInProgress,
		CreatedAt:   stale,
		UpdatedAt:   stale,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("insert stale record: %v", err)
	}

	decision, err := coordinator.Begin(context.Background(), "key-1", fingerprint)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if decision.Kind != Proceed {
		t.Fatalf("decision = %q, want %q", decision.Kind, Proceed)
	}
}

func TestConcurrentBeginSingleExecution(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{
		Liveness:     time.Hour,
		PollInterval: 10 * time.Millisecond,
		CoalesceWait: 5 * time.Second,
	})
	fingerprint := Fingerprint("POST", "/v1/token", []byte(`{"user":"u"}`))
	body := []byte(`{"access_token":"one"}`)

	const waiters = 5
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		proceeds int
		replays  int
	)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := coordinator.Begin(context.Background(), "key-1", fingerprint)
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			switch decision.Kind {
			case Proceed:
				if err := coordinator.Complete(context.Background(), "key-1", 200, body); err != nil {
					t.Errorf("complete: %v", err)
				}
				mu.Lock()
				proceeds++
				mu.Unlock()
			case Replay:
				if string(decision.ResponseBody) != string(body) {
					t.Errorf("replay body = %q, want %q", decision.ResponseBody, body)
				}
				mu.Lock()
				replays++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if proceeds != 1 {
		t.Fatalf("proceed decisions = %d, want 1", proceeds)
	}
	if replays != waiters-1 {
		t.Fatalf("replay decisions = %d, want %d", replays, waiters-1)
	}
}

func TestExpirePurgesOldRecords(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, Config{TTL: time.Millisecond})

	if _, err := coordinator.Begin(context.Background(), "key-1", Fingerprint("POST", "/v1/token", nil)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := coordinator.Complete(context.Background(), "key-1", 200, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	affected, err := coordinator.Expire(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if affected != 1 {
		t.Fatalf("purged %d records, want 1", affected)
	}
}
