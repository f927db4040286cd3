package window

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/coaching-engine/internal/apperr"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []*Window
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]*sync.Mutex)}
}

func (s *MemoryStore) Active(ctx context.Context, contactID string) (*Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(contactID), nil
}

func (s *MemoryStore) WithContact(ctx context.Context, contactID string, fn func(ctx context.Context, tx Tx) error) error {
	lock := s.contactLock(contactID)
	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, memoryTx{s: s})
}

func (s *MemoryStore) DeactivateExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.rows {
		if limit > 0 && n >= limit {
			break
		}
		if w.Active && w.ExpiresAt.Before(before) {
			w.Active = false
			w.UpdatedAt = now().UTC()
			n++
		}
	}
	return n, nil
}

// All returns every window for a contact, oldest first.
func (s *MemoryStore) All(contactID string) []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Window
	for _, w := range s.rows {
		if w.ContactID == contactID {
			out = append(out, *w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) contactLock(contactID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[contactID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[contactID] = l
	}
	return l
}

func (s *MemoryStore) activeLocked(contactID string) *Window {
	var found *Window
	for _, w := range s.rows {
		if w.ContactID == contactID && w.Active {
			if found == nil || w.OpenedAt.After(found.OpenedAt) {
				found = w
			}
		}
	}
	if found == nil {
		return nil
	}
	cp := *found
	return &cp
}

type memoryTx struct {
	s *MemoryStore
}

func (t memoryTx) Active(ctx context.Context, contactID string) (*Window, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.activeLocked(contactID), nil
}

func (t memoryTx) FindSession(ctx context.Context, contactID, sessionID string) (*Window, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var found *Window
	for _, w := range t.s.rows {
		if w.ContactID == contactID && w.SessionID == sessionID {
			if found == nil || w.OpenedAt.After(found.OpenedAt) {
				found = w
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (t memoryTx) Insert(ctx context.Context, w *Window) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.nextID++
	w.ID = t.s.nextID
	cp := *w
	t.s.rows = append(t.s.rows, &cp)
	return nil
}

func (t memoryTx) Update(ctx context.Context, w *Window) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, row := range t.s.rows {
		if row.ID == w.ID {
			*row = *w
			return nil
		}
	}
	return fmt.Errorf("window: update %d: %w", w.ID, apperr.ErrNotFound)
}
