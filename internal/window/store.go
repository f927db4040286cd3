package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/internal/database"
)

// Store persists conversation windows.
type Store interface {
	// Active returns the active window for a contact, or nil when none exists.
	Active(ctx context.Context, contactID string) (*Window, error)
	// WithContact runs fn while holding the contact's single-writer lock.
	WithContact(ctx context.Context, contactID string, fn func(ctx context.Context, tx Tx) error) error
	// DeactivateExpired closes up to limit active windows that expired before the cutoff.
	DeactivateExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Tx is the locked view handed to WithContact callbacks.
type Tx interface {
	Active(ctx context.Context, contactID string) (*Window, error)
	FindSession(ctx context.Context, contactID, sessionID string) (*Window, error)
	Insert(ctx context.Context, w *Window) error
	Update(ctx context.Context, w *Window) error
}

// PostgresStore keeps windows in the conversation_windows table.
type PostgresStore struct {
	pool     database.Pool
	attempts int
}

func NewPostgresStore(pool database.Pool) *PostgresStore {
	if pool == nil {
		panic("window: pgx pool required")
	}
	return &PostgresStore{pool: pool, attempts: database.DefaultTxAttempts}
}

// WithTxAttempts bounds retries for conflicting writers.
func (s *PostgresStore) WithTxAttempts(n int) *PostgresStore {
	if n > 0 {
		s.attempts = n
	}
	return s
}

const windowColumns = `id, contact_id, COALESCE(session_id, ''), origin_type, opened_at, expires_at, active, updated_at`

func (s *PostgresStore) Active(ctx context.Context, contactID string) (*Window, error) {
	w, err := activeWindow(ctx, s.pool, contactID)
	if err != nil {
		return nil, fmt.Errorf("window: active: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) WithContact(ctx context.Context, contactID string, fn func(ctx context.Context, tx Tx) error) error {
	return database.RunInTx(ctx, s.pool, s.attempts, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, contactID); err != nil {
			return fmt.Errorf("window: lock contact: %w", err)
		}
		return fn(ctx, &pgTx{q: tx})
	})
}

func (s *PostgresStore) DeactivateExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		UPDATE conversation_windows
		SET active = FALSE, updated_at = $1
		WHERE id IN (
			SELECT id FROM conversation_windows
			WHERE active AND expires_at < $2
			ORDER BY expires_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
	`
	ct, err := s.pool.Exec(ctx, query, now().UTC(), before, limit)
	if err != nil {
		return 0, fmt.Errorf("window: deactivate expired: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

type pgTx struct {
	q database.Querier
}

func (t *pgTx) Active(ctx context.Context, contactID string) (*Window, error) {
	w, err := activeWindow(ctx, t.q, contactID)
	if err != nil {
		return nil, fmt.Errorf("window: active: %w", err)
	}
	return w, nil
}

func (t *pgTx) FindSession(ctx context.Context, contactID, sessionID string) (*Window, error) {
	query := `SELECT ` + windowColumns + `
		FROM conversation_windows
		WHERE contact_id = $1 AND session_id = $2
		ORDER BY opened_at DESC
		LIMIT 1`
	w, err := scanWindow(t.q.QueryRow(ctx, query, contactID, sessionID))
	if err != nil {
		return nil, fmt.Errorf("window: find session: %w", err)
	}
	return w, nil
}

func (t *pgTx) Insert(ctx context.Context, w *Window) error {
	query := `
		INSERT INTO conversation_windows (contact_id, session_id, origin_type, opened_at, expires_at, active, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		RETURNING id
	`
	if err := t.q.QueryRow(ctx, query, w.ContactID, w.SessionID, string(w.Origin), w.OpenedAt, w.ExpiresAt, w.Active, w.UpdatedAt).Scan(&w.ID); err != nil {
		return fmt.Errorf("window: insert: %w", err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, w *Window) error {
	query := `
		UPDATE conversation_windows
		SET session_id = NULLIF($2, ''), expires_at = $3, active = $4, updated_at = $5
		WHERE id = $1
	`
	tag, err := t.q.Exec(ctx, query, w.ID, w.SessionID, w.ExpiresAt, w.Active, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("window: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("window: update %d: %w", w.ID, apperr.ErrNotFound)
	}
	return nil
}

func activeWindow(ctx context.Context, q database.Querier, contactID string) (*Window, error) {
	query := `SELECT ` + windowColumns + `
		FROM conversation_windows
		WHERE contact_id = $1 AND active
		ORDER BY opened_at DESC
		LIMIT 1`
	return scanWindow(q.QueryRow(ctx, query, contactID))
}

func scanWindow(row pgx.Row) (*Window, error) {
	var (
		w      Window
		origin string
	)
	if err := row.Scan(&w.ID, &w.ContactID, &w.SessionID, &origin, &w.OpenedAt, &w.ExpiresAt, &w.Active, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	w.Origin = Origin(origin)
	return &w, nil
}
