package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ClaimStore records provider event ids that were already handled.
type ClaimStore interface {
	// MarkProcessed claims an event id, returning false if it was already claimed.
	MarkProcessed(ctx context.Context, source, eventID string) (bool, error)
	// Release drops a claim so a redelivery can be processed.
	Release(ctx context.Context, source, eventID string) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProcessedStore keeps claims in the processed_events table.
type ProcessedStore struct {
	pool execer
}

func NewProcessedStore(pool execer) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

func (s *ProcessedStore) MarkProcessed(ctx context.Context, source, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, source, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *ProcessedStore) Release(ctx context.Context, source, eventID string) error {
	query := `DELETE FROM processed_events WHERE provider = $1 AND event_id = $2`
	if _, err := s.pool.Exec(ctx, query, source, eventID); err != nil {
		return fmt.Errorf("events: release claim: %w", err)
	}
	return nil
}

// Prune deletes claims older than the cutoff.
func (s *ProcessedStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("events: prune processed: %w", err)
	}
	return ct.RowsAffected(), nil
}

// MemoryProcessedStore is an in-process ClaimStore.
type MemoryProcessedStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{claims: make(map[string]time.Time)}
}

func (s *MemoryProcessedStore) MarkProcessed(ctx context.Context, source, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := source + "/" + eventID
	if _, ok := s.claims[key]; ok {
		return false, nil
	}
	s.claims[key] = time.Now()
	return true, nil
}

func (s *MemoryProcessedStore) Release(ctx context.Context, source, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, source+"/"+eventID)
	return nil
}

func (s *MemoryProcessedStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, at := range s.claims {
		if at.Before(before) {
			delete(s.claims, k)
			n++
		}
	}
	return n, nil
}
