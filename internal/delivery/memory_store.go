package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/coaching-engine/internal/apperr"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu          sync.Mutex
	messages    map[uuid.UUID]*Message
	order       []uuid.UUID
	transitions map[uuid.UUID][]Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[uuid.UUID]*Message),
		transitions: make(map[uuid.UUID][]Transition),
	}
}

func (s *MemoryStore) Create(ctx context.Context, m *Message, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("delivery: create: message %s exists", m.ID)
	}
	cp := cloneMessage(m)
	s.messages[m.ID] = cp
	s.order = append(s.order, m.ID)
	s.transitions[m.ID] = append(s.transitions[m.ID], tr)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("delivery: get %s: %w", id, apperr.ErrNotFound)
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) FindByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if m := s.messages[id]; m.ProviderMessageID != "" && m.ProviderMessageID == providerMessageID {
			return cloneMessage(m), nil
		}
	}
	return nil, fmt.Errorf("delivery: find by provider id: %w", apperr.ErrNotFound)
}

func (s *MemoryStore) ListByContact(ctx context.Context, contactID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for i := len(s.order) - 1; i >= 0; i-- {
		if m := s.messages[s.order[i]]; m.ContactID == contactID {
			out = append(out, *cloneMessage(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Transitions(ctx context.Context, id uuid.UUID) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.transitions[id]...), nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[id]
	if !ok {
		return nil, false, fmt.Errorf("delivery: update %s: %w", id, apperr.ErrNotFound)
	}
	m := cloneMessage(cur)
	tr, err := fn(m)
	if err != nil {
		return nil, false, fmt.Errorf("delivery: update %s: %w", id, err)
	}
	if tr == nil {
		return cloneMessage(cur), false, nil
	}
	m.Version++
	m.UpdatedAt = tr.At
	s.messages[id] = m
	s.transitions[id] = append(s.transitions[id], *tr)
	return cloneMessage(m), true, nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Message
	for _, id := range s.order {
		if m := s.messages[id]; isDue(m, now) {
			due = append(due, m)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return dueAt(due[i]).Before(dueAt(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Message, 0, len(due))
	for _, m := range due {
		claimed := now
		m.State = StateSending
		m.ClaimedAt = &claimed
		m.UpdatedAt = now
		m.Version++
		s.transitions[m.ID] = append(s.transitions[m.ID], Transition{MessageID: m.ID, From: StateScheduled, To: StateSending, Reason: "claimed", At: now})
		out = append(out, *cloneMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) StampMode(ctx context.Context, id uuid.UUID, mode Mode, templateRef string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, fmt.Errorf("delivery: stamp mode: %w", apperr.ErrNotFound)
	}
	if m.SendMode != ModeUnresolved {
		return false, nil
	}
	m.SendMode = mode
	m.TemplateRef = templateRef
	m.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, id := range s.order {
		m := s.messages[id]
		if m.State == StateSending && m.ClaimedAt != nil && m.ClaimedAt.Before(claimedBefore) {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func isDue(m *Message, now time.Time) bool {
	if m.State != StateScheduled {
		return false
	}
	if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
		return false
	}
	return m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
}

func dueAt(m *Message) time.Time {
	switch {
	case m.NextAttemptAt != nil:
		return *m.NextAttemptAt
	case m.ScheduledAt != nil:
		return *m.ScheduledAt
	}
	return m.CreatedAt
}

func cloneMessage(m *Message) *Message {
	cp := *m
	cp.ScheduledAt = cloneTime(m.ScheduledAt)
	cp.NextAttemptAt = cloneTime(m.NextAttemptAt)
	cp.ClaimedAt = cloneTime(m.ClaimedAt)
	cp.TerminalAt = cloneTime(m.TerminalAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
