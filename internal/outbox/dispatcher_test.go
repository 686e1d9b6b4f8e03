package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/signet/internal/storage"
	"github.com/louisbranch/signet/internal/storage/sqlite"
)

type recordingPublisher struct {
	published []string
	failures  map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, payload []byte) error {
	if err, ok := p.failures[eventType]; ok {
		return err
	}
	p.published = append(p.published, eventType)
	return nil
}

func newTestDispatcher(t *testing.T, publisher Publisher, cfg Config) (*Dispatcher, *sqlite.Store, *time.Time) {
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

	dispatcher, err := NewDispatcher(store, publisher, cfg)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	dispatcher.clock = func() time.Time { return now }
	return dispatcher, store, &now
}

func enqueue(t *testing.T, store *sqlite.Store, id, eventType string, at time.Time) {
	t.Helper()
	err := store.EnqueueOutboxMessage(context.Background(), storage.OutboxMessage{
		ID:            id,
		EventType:     eventType,
		PayloadJSON:   `{}`,
		CreatedAt:     at,
		NextAttemptAt: at,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestDispatchOncePublishesAndAcknowledges(t *testing.T) {
	publisher := &recordingPublisher{}
	dispatcher, store, now := newTestDispatcher(t, publisher, Config{Owner: "worker-a"})

	enqueue(t, store, "msg-1", "auth.reuse_detected", *now)
	enqueue(t, store, "msg-2", "auth.token_revoked", *now)

	published, err := dispatcher.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch once: %v", err)
	}
	if published != 2 {
		t.Fatalf("published %d messages, want 2", published)
	}
	if len(publisher.published) != 2 {
		t.Fatalf("publisher saw %d messages, want 2", len(publisher.published))
	}

	got, err := store.GetOutboxMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != storage.OutboxStatusSucceeded {
		t.Fatalf("status = %q, want %q", got.Status, storage.OutboxStatusSucceeded)
	}
	if got.ProcessedAt == nil {
		t.Fatal("expected processed_at recorded")
	}
}

func TestDispatchOnceSchedulesRetryOnFailure(t *testing.T) {
	publisher := &recordingPublisher{failures: map[string]error{
		"auth.reuse_detected": fmt.Errorf("webhook 503"),
	}}
	dispatcher, store, now := newTestDispatcher(t, publisher, Config{
		Owner:         "worker-a",
		RetryBackoff:  2 * time.Second,
		RetryMaxDelay: time.Minute,
	})

	enqueue(t, store, "msg-1", "auth.reuse_detected", *now)

	if _, err := dispatcher.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("dispatch once: %v", err)
	}

	got, err := store.GetOutboxMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != storage.OutboxStatusPending {
		t.Fatalf("status = %q, want %q", got.Status, storage.OutboxStatusPending)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", got.AttemptCount)
	}
	if !got.NextAttemptAt.After(*now) {
		t.Fatalf("next attempt at = %v, want after %v", got.NextAttemptAt, *now)
	}
	if got.LastError == "" {
		t.Fatal("expected last error recorded")
	}
}

func TestDispatchOnceMarksDeadAfterMaxAttempts(t *testing.T) {
	publisher := &recordingPublisher{failures: map[string]error{
		"auth.reuse_detected": fmt.Errorf("webhook 503"),
	}}
	dispatcher, store, now := newTestDispatcher(t, publisher, Config{
		Owner:         "worker-a",
		MaxAttempts:   3,
		RetryBackoff:  time.Second,
		RetryMaxDelay: 2 * time.Second,
	})

	enqueue(t, store, "msg-1", "auth.reuse_detected", *now)

	for i := 0; i < 3; i++ {
		if _, err := dispatcher.DispatchOnce(context.Background()); err != nil {
			t.Fatalf("dispatch pass %d: %v", i+1, err)
		}
		*now = now.Add(time.Minute)
	}

	got, err := store.GetOutboxMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != storage.OutboxStatusDead {
		t.Fatalf("status = %q, want %q", got.Status, storage.OutboxStatusDead)
	}
	if got.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want 3", got.AttemptCount)
	}

	// A dead row never dispatches again.
	published, err := dispatcher.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch after dead: %v", err)
	}
	if published != 0 {
		t.Fatalf("published %d messages after dead, want 0", published)
	}
}

func TestTwoDispatchersNeverPublishTheSameRow(t *testing.T) {
	publisherA := &recordingPublisher{}
	dispatcherA, store, now := newTestDispatcher(t, publisherA, Config{Owner: "worker-a"})

	publisherB := &recordingPublisher{}
	dispatcherB, err := NewDispatcher(store, publisherB, Config{Owner: "worker-b"})
	if err != nil {
		t.Fatalf("new second dispatcher: %v", err)
	}
	dispatcherB.clock = dispatcherA.clock

	for i := 0; i < 5; i++ {
		enqueue(t, store, fmt.Sprintf("msg-%d", i+1), "auth.token_revoked", *now)
	}

	publishedA, err := dispatcherA.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch a: %v", err)
	}
	publishedB, err := dispatcherB.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("dispatch b: %v", err)
	}
	if publishedA+publishedB != 5 {
		t.Fatalf("published %d messages total, want 5", publishedA+publishedB)
	}
	if len(publisherA.published)+len(publisherB.published) != 5 {
		t.Fatalf("publishers saw %d messages total, want 5", len(publisherA.published)+len(publisherB.published))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	publisher := &recordingPublisher{}
	dispatcher, store, now := newTestDispatcher(t, publisher, Config{
		Owner:        "worker-a",
		PollInterval: 10 * time.Millisecond,
	})
	enqueue(t, store, "msg-1", "auth.token_revoked", *now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, err := store.GetOutboxMessage(context.Background(), "msg-1")
		if err != nil {
			t.Fatalf("get message: %v", err)
		}
		if got.Status == storage.OutboxStatusSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher never published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
