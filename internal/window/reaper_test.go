package window

import (
	"context"
	"testing"
	"time"

	"github.com/wolfman30/coaching-engine/pkg/logging"
)

func TestReaperDeactivatesExpiredWindows(t *testing.T) {
	orig := now
	now = func() time.Time { return t0.Add(72 * time.Hour) }
	defer func() { now = orig }()

	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		err := store.WithContact(ctx, id, func(ctx context.Context, tx Tx) error {
			return tx.Insert(ctx, &Window{ContactID: id, Origin: OriginContact, OpenedAt: t0, ExpiresAt: t0.Add(24 * time.Hour), Active: true})
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	err := store.WithContact(ctx, "c4", func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, &Window{ContactID: "c4", Origin: OriginContact, OpenedAt: t0, ExpiresAt: t0.Add(100 * time.Hour), Active: true})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	reaper := NewReaper(store, logging.Discard()).WithBatchSize(2)
	if got := reaper.sweep(ctx); got != 3 {
		t.Fatalf("expected 3 reaped, got %d", got)
	}
	if w, _ := store.Active(ctx, "c4"); w == nil {
		t.Fatalf("unexpired window should stay active")
	}
}

func TestReaperNilStore(t *testing.T) {
	r := NewReaper(nil, nil)
	if got := r.sweep(context.Background()); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
