package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/coordq/internal/persistence/postgres"
	"github.com/basket/coordq/internal/queue"
)

// openTestStore connects to COORDQ_TEST_POSTGRES_URL and skips otherwise.
func openTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("COORDQ_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("COORDQ_TEST_POSTGRES_URL not set")
	}
	store, err := postgres.Open(context.Background(), url)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPostgres_EnqueueClaimComplete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := "pg-" + uuid.NewString()
	client := queue.New(store, queue.Config{})

	first, err := client.Enqueue(ctx, queue.EnqueueRequest{Room: room, Task: "build", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dup, err := client.Enqueue(ctx, queue.EnqueueRequest{Room: room, Task: "build", RequestID: "req-1"})
	if err != nil || dup.ID != first.ID {
		t.Fatalf("expected dedupe, got %v %v", dup, err)
	}

	res, err := client.Claim(ctx, queue.ClaimRequest{Limit: 1, ResourceLocks: first.ResourceKeys, LeaseTTL: time.Minute})
	if err != nil || len(res.Tasks) != 1 || res.Tasks[0].ID != first.ID {
		t.Fatalf("claim: %+v %v", res, err)
	}
	if ok, err := client.Complete(ctx, first.ID, "wrong", nil); err != nil || ok {
		t.Fatalf("expected lease mismatch, ok=%v err=%v", ok, err)
	}
	if ok, err := client.Complete(ctx, first.ID, res.LeaseToken, map[string]any{"ok": true}); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	got, err := client.GetTask(ctx, first.ID)
	if err != nil || got.Status != queue.StatusSucceeded {
		t.Fatalf("expected succeeded, got %+v %v", got, err)
	}
}

func TestPostgres_DedupeKeyAndCreationOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := "pg-" + uuid.NewString()
	now := time.Now().UTC()
	client := queue.New(store, queue.Config{}, queue.WithClock(func() time.Time { return now }))

	older, err := client.Enqueue(ctx, queue.EnqueueRequest{Room: room, Task: "build", RequestID: "req-a", DedupeKey: "commit-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	folded, err := client.Enqueue(ctx, queue.EnqueueRequest{Room: room, Task: "build", RequestID: "req-b", DedupeKey: "commit-1"})
	if err != nil || folded.ID != older.ID {
		t.Fatalf("expected dedupe key fold onto %s, got %v %v", older.ID, folded, err)
	}

	now = now.Add(time.Second)
	newer, err := client.Enqueue(ctx, queue.EnqueueRequest{Room: room, Task: "deploy", Priority: 10})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, err := client.ListPending(ctx, room)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != older.ID || pending[1].ID != newer.ID {
		t.Fatalf("expected creation order, got %+v", pending)
	}
}
