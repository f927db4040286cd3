package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/internal/database"
)

// UpdateFunc mutates a locked message. Returning a nil transition leaves the
// row untouched.
type UpdateFunc func(m *Message) (*Transition, error)

// Store persists outbound messages and their transition history.
type Store interface {
	Create(ctx context.Context, m *Message, tr Transition) error
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	FindByProviderID(ctx context.Context, providerMessageID string) (*Message, error)
	ListByContact(ctx context.Context, contactID string) ([]Message, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]Transition, error)
	// Update runs fn with the message locked and reports whether it changed.
	Update(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*Message, bool, error)
	// ClaimDue moves due scheduled rows to sending without blocking other claimers.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// StampMode sets the send mode only while it is still unresolved.
	StampMode(ctx context.Context, id uuid.UUID, mode Mode, templateRef string, at time.Time) (bool, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error)
}

// PostgresStore keeps messages in outbound_messages and audit rows in message_transitions.
type PostgresStore struct {
	pool     database.Pool
	attempts int
}

func NewPostgresStore(pool database.Pool) *PostgresStore {
	if pool == nil {
		panic("delivery: pgx pool required")
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

const messageColumns = `id, contact_id, semantic_type, content, schedule_kind, scheduled_at,
	COALESCE(recurrence_pattern, ''), send_mode, COALESCE(template_ref, ''), state,
	COALESCE(provider_message_id, ''), attempt_count, COALESCE(last_error, ''),
	next_attempt_at, claimed_at, created_at, updated_at, terminal_at, version`

func (s *PostgresStore) Create(ctx context.Context, m *Message, tr Transition) error {
	err := database.RunInTx(ctx, s.pool, s.attempts, func(ctx context.Context, tx pgx.Tx) error {
		query := `
			INSERT INTO outbound_messages (
				id, contact_id, semantic_type, content, schedule_kind, scheduled_at,
				recurrence_pattern, send_mode, template_ref, state, attempt_count,
				created_at, updated_at, version
			)
			VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,NULLIF($9,''),$10,$11,$12,$13,$14)
		`
		if _, err := tx.Exec(ctx, query, m.ID, m.ContactID, m.SemanticType, m.Content, string(m.ScheduleKind), m.ScheduledAt,
			m.RecurrencePattern, string(m.SendMode), m.TemplateRef, string(m.State), m.AttemptCount,
			m.CreatedAt, m.UpdatedAt, m.Version); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return insertTransition(ctx, tx, tr)
	})
	if err != nil {
		return fmt.Errorf("delivery: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE id = $1`
	m, err := scanMessage(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("delivery: get %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) FindByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE provider_message_id = $1 LIMIT 1`
	m, err := scanMessage(s.pool.QueryRow(ctx, query, providerMessageID))
	if err != nil {
		return nil, fmt.Errorf("delivery: find by provider id: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListByContact(ctx context.Context, contactID string) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM outbound_messages
		WHERE contact_id = $1
		ORDER BY created_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query, contactID)
	if err != nil {
		return nil, fmt.Errorf("delivery: list by contact: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("delivery: list by contact: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Transitions(ctx context.Context, id uuid.UUID) ([]Transition, error) {
	query := `
		SELECT message_id, COALESCE(from_state, ''), to_state, COALESCE(reason, ''), at
		FROM message_transitions
		WHERE message_id = $1
		ORDER BY at, id`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("delivery: transitions: %w", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			tr       Transition
			from, to string
		)
		if err := rows.Scan(&tr.MessageID, &from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("delivery: scan transition: %w", err)
		}
		tr.From, tr.To = State(from), State(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery: transitions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*Message, bool, error) {
	var (
		result  *Message
		changed bool
	)
	err := database.RunInTx(ctx, s.pool, s.attempts, func(ctx context.Context, tx pgx.Tx) error {
		result, changed = nil, false
		query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE id = $1 FOR UPDATE`
		m, err := scanMessage(tx.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		tr, err := fn(m)
		if err != nil {
			return err
		}
		result = m
		if tr == nil {
			return nil
		}
		m.Version++
		m.UpdatedAt = tr.At
		update := `
			UPDATE outbound_messages
			SET state = $2, send_mode = $3, template_ref = NULLIF($4, ''),
				provider_message_id = NULLIF($5, ''), attempt_count = $6, last_error = NULLIF($7, ''),
				next_attempt_at = $8, claimed_at = $9, terminal_at = $10, updated_at = $11, version = $12
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, update, m.ID, string(m.State), string(m.SendMode), m.TemplateRef,
			m.ProviderMessageID, m.AttemptCount, m.LastError,
			m.NextAttemptAt, m.ClaimedAt, m.TerminalAt, m.UpdatedAt, m.Version); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if err := insertTransition(ctx, tx, *tr); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("delivery: update %s: %w", id, err)
	}
	return result, changed, nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	query := `
		WITH due AS (
			SELECT id FROM outbound_messages
			WHERE state = 'scheduled'
				AND (scheduled_at IS NULL OR scheduled_at <= $1)
				AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY COALESCE(next_attempt_at, scheduled_at, created_at)
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE outbound_messages m
			SET state = 'sending', claimed_at = $1, updated_at = $1, version = m.version + 1
			FROM due
			WHERE m.id = due.id
			RETURNING m.*
		), audit AS (
			INSERT INTO message_transitions (message_id, from_state, to_state, reason, at)
			SELECT id, 'scheduled', 'sending', 'claimed', $1 FROM claimed
		)
		SELECT ` + messageColumns + ` FROM claimed`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: claim due: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("delivery: claim due: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) StampMode(ctx context.Context, id uuid.UUID, mode Mode, templateRef string, at time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET send_mode = $2, template_ref = NULLIF($3, ''), updated_at = $4
		WHERE id = $1 AND send_mode = 'unresolved'
	`
	ct, err := s.pool.Exec(ctx, query, id, string(mode), templateRef, at)
	if err != nil {
		return false, fmt.Errorf("delivery: stamp mode: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM outbound_messages
		WHERE state = 'sending' AND claimed_at < $1
		ORDER BY claimed_at
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: list stale: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("delivery: scan stale: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertTransition(ctx context.Context, q database.Querier, tr Transition) error {
	query := `
		INSERT INTO message_transitions (message_id, from_state, to_state, reason, at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5)
	`
	if _, err := q.Exec(ctx, query, tr.MessageID, string(tr.From), string(tr.To), tr.Reason, tr.At); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m                 Message
		kind, mode, state string
	)
	err := row.Scan(&m.ID, &m.ContactID, &m.SemanticType, &m.Content, &kind, &m.ScheduledAt,
		&m.RecurrencePattern, &mode, &m.TemplateRef, &state,
		&m.ProviderMessageID, &m.AttemptCount, &m.LastError,
		&m.NextAttemptAt, &m.ClaimedAt, &m.CreatedAt, &m.UpdatedAt, &m.TerminalAt, &m.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	m.ScheduleKind, m.SendMode, m.State = ScheduleKind(kind), Mode(mode), State(state)
	return &m, nil
}
