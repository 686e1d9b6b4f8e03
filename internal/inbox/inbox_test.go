package inbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/louisbranch/signet/internal/storage"
	"github.com/louisbranch/signet/internal/storage/sqlite"
)

func newTestGuard(t *testing.T) *Guard {
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

	guard, err := NewGuard(store)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return guard
}

func TestClaimDuplicate(t *testing.T) {
	guard := newTestGuard(t)

	if err := guard.Claim(context.Background(), "billing", "evt-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := guard.Claim(context.Background(), "billing", "evt-1")
	if !errors.Is(err, storage.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestHandleRunsHandlerOncePerMessage(t *testing.T) {
	guard := newTestGuard(t)

	calls := 0
	handler := func(ctx context.Context, payload []byte) error {
		calls++
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := guard.Handle(context.Background(), "billing", "evt-1", []byte(`{}`), handler); err != nil {
			t.Fatalf("handle delivery %d: %v", i+1, err)
		}
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}

func TestHandleFailureKeepsClaim(t *testing.T) {
	guard := newTestGuard(t)

	calls := 0
	handler := func(ctx context.Context, payload []byte) error {
		calls++
		return fmt.Errorf("downstream unavailable")
	}

	err := guard.Handle(context.Background(), "billing", "evt-1", []byte(`{}`), handler)
	if err == nil {
		t.Fatal("expected handler failure to surface")
	}

	// The redelivery is skipped: the claim survived the handler failure.
	if err := guard.Handle(context.Background(), "billing", "evt-1", []byte(`{}`), handler); err != nil {
		t.Fatalf("handle redelivery: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}
