package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// UnmatchedEvent is the durable record of an event that could not be routed.
type UnmatchedEvent struct {
	ProviderEventID   string          `json:"provider_event_id"`
	Source            string          `json:"source"`
	Kind              Kind            `json:"kind"`
	ContactID         string          `json:"contact_id"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	Reason            string          `json:"reason"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// UnmatchedStore persists unroutable events for later inspection.
type UnmatchedStore interface {
	Record(ctx context.Context, ev UnmatchedEvent) error
}

// PostgresUnmatchedStore writes to the unmatched_events table.
type PostgresUnmatchedStore struct {
	pool execer
}

func NewPostgresUnmatchedStore(pool execer) *PostgresUnmatchedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &PostgresUnmatchedStore{pool: pool}
}

func (s *PostgresUnmatchedStore) Record(ctx context.Context, ev UnmatchedEvent) error {
	query := `
		INSERT INTO unmatched_events (provider, provider_event_id, kind, contact_id, provider_message_id, payload, reason, received_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, ev.Source, ev.ProviderEventID, string(ev.Kind), ev.ContactID, ev.ProviderMessageID, []byte(ev.Payload), ev.Reason, ev.ReceivedAt); err != nil {
		return fmt.Errorf("events: record unmatched: %w", err)
	}
	return nil
}

// MemoryUnmatchedStore keeps unmatched events in process.
type MemoryUnmatchedStore struct {
	mu     sync.Mutex
	events []UnmatchedEvent
}

func NewMemoryUnmatchedStore() *MemoryUnmatchedStore {
	return &MemoryUnmatchedStore{}
}

func (s *MemoryUnmatchedStore) Record(ctx context.Context, ev UnmatchedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.Source == ev.Source && existing.ProviderEventID == ev.ProviderEventID {
			return nil
		}
	}
	s.events = append(s.events, ev)
	return nil
}

// All returns recorded events in arrival order.
func (s *MemoryUnmatchedStore) All() []UnmatchedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UnmatchedEvent(nil), s.events...)
}
