package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

// RetryClassifier reports whether a send error is worth retrying.
type RetryClassifier func(err error) bool

// Machine is the only writer of message state.
type Machine struct {
	store       Store
	logger      *logging.Logger
	metrics     *metrics.EngineMetrics
	clock       func() time.Time
	retryable   RetryClassifier
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu        sync.RWMutex
	observers []func(Message)
}

func NewMachine(store Store, logger *logging.Logger) *Machine {
	if store == nil {
		panic("delivery: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Machine{
		store:       store,
		logger:      logger,
		clock:       time.Now,
		retryable:   func(error) bool { return false },
		maxAttempts: 3,
		baseDelay:   30 * time.Second,
		maxDelay:    30 * time.Minute,
	}
}

func (m *Machine) WithMaxAttempts(n int) *Machine {
	if n > 0 {
		m.maxAttempts = n
	}
	return m
}

// WithBackoff sets the first retry delay and the cap for later retries.
func (m *Machine) WithBackoff(base, max time.Duration) *Machine {
	if base > 0 {
		m.baseDelay = base
	}
	if max > 0 {
		m.maxDelay = max
	}
	return m
}

func (m *Machine) WithRetryClassifier(fn RetryClassifier) *Machine {
	if fn != nil {
		m.retryable = fn
	}
	return m
}

func (m *Machine) WithMetrics(mm *metrics.EngineMetrics) *Machine {
	m.metrics = mm
	return m
}

func (m *Machine) WithClock(clock func() time.Time) *Machine {
	if clock != nil {
		m.clock = clock
	}
	return m
}

// MaxAttempts returns the configured attempt bound.
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

// OnTerminal registers fn to run after a message reaches a terminal state.
func (m *Machine) OnTerminal(fn func(Message)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Machine) now() time.Time { return m.clock().UTC() }

// Create stores a new scheduled message with an unresolved send mode.
func (m *Machine) Create(ctx context.Context, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	at := m.now()
	msg.State = StateScheduled
	msg.SendMode = ModeUnresolved
	msg.AttemptCount = 0
	msg.CreatedAt = at
	msg.UpdatedAt = at
	msg.Version = 1
	tr := Transition{MessageID: msg.ID, To: StateScheduled, Reason: "created", At: at}
	if err := m.store.Create(ctx, msg, tr); err != nil {
		return err
	}
	m.metrics.ObserveTransition("", string(StateScheduled))
	return nil
}

func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	return m.store.Get(ctx, id)
}

// FindByProviderID looks a message up by the id the provider assigned on send.
func (m *Machine) FindByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	return m.store.FindByProviderID(ctx, strings.TrimSpace(providerMessageID))
}

// History returns all messages for a contact, most recent first.
func (m *Machine) History(ctx context.Context, contactID string) ([]Message, error) {
	return m.store.ListByContact(ctx, contactID)
}

func (m *Machine) Transitions(ctx context.Context, id uuid.UUID) ([]Transition, error) {
	return m.store.Transitions(ctx, id)
}

// ClaimDue claims up to limit due messages for dispatch.
func (m *Machine) ClaimDue(ctx context.Context, limit int) ([]Message, error) {
	msgs, err := m.store.ClaimDue(ctx, m.now(), limit)
	if err != nil {
		return nil, err
	}
	for range msgs {
		m.metrics.ObserveTransition(string(StateScheduled), string(StateSending))
	}
	return msgs, nil
}

// Claim moves one scheduled message to sending so it can be dispatched inline.
func (m *Machine) Claim(ctx context.Context, id uuid.UUID) (*Message, error) {
	msg, _, err := m.transition(ctx, id, func(msg *Message, at time.Time) (State, string, error) {
		msg.ClaimedAt = &at
		return StateSending, "claimed", nil
	})
	return msg, err
}

// StampMode records the send mode once. The returned message carries the
// mode in effect, which is the earlier stamp when one already exists.
func (m *Machine) StampMode(ctx context.Context, id uuid.UUID, mode Mode, templateRef string) (*Message, error) {
	if _, err := m.store.StampMode(ctx, id, mode, templateRef, m.now()); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// MarkSent records provider acceptance.
func (m *Machine) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) (*Message, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	msg, _, err := m.transition(ctx, id, func(msg *Message, at time.Time) (State, string, error) {
		if err := checkTransition(msg.State, StateSent); err != nil {
			return "", "", err
		}
		msg.AttemptCount++
		msg.ProviderMessageID = providerMessageID
		msg.LastError = ""
		msg.NextAttemptAt = nil
		msg.ClaimedAt = nil
		return StateSent, "accepted by provider", nil
	})
	return msg, err
}

// RecordSendFailure applies a failed send attempt. Retryable errors go back to
// scheduled with exponential backoff until the attempt bound is reached.
func (m *Machine) RecordSendFailure(ctx context.Context, id uuid.UUID, sendErr error) (*Message, error) {
	retryable := sendErr != nil && m.retryable(sendErr)
	reason := "send failed"
	if sendErr != nil {
		reason = sendErr.Error()
	}
	return m.fail(ctx, id, reason, retryable)
}

// RecoverStale treats messages stuck in sending past the lease as failed attempts.
func (m *Machine) RecoverStale(ctx context.Context, lease time.Duration, limit int) (int, error) {
	ids, err := m.store.ListStale(ctx, m.now().Add(-lease), limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if _, err := m.fail(ctx, id, "dispatch lease expired", true); err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				continue
			}
			m.logger.Error("recover stale message failed", "message_id", id, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (m *Machine) fail(ctx context.Context, id uuid.UUID, reason string, retryable bool) (*Message, error) {
	msg, _, err := m.transition(ctx, id, func(msg *Message, at time.Time) (State, string, error) {
		if msg.State != StateSending {
			return "", "", fmt.Errorf("%w: %s -> failed attempt", ErrIllegalTransition, msg.State)
		}
		msg.AttemptCount++
		msg.LastError = reason
		msg.ClaimedAt = nil
		if retryable && msg.AttemptCount < m.maxAttempts {
			next := at.Add(m.nextDelay(msg.AttemptCount))
			msg.NextAttemptAt = &next
			return StateScheduled, "retry: " + reason, nil
		}
		msg.NextAttemptAt = nil
		if retryable {
			return StateFailed, fmt.Sprintf("gave up after %d attempts: %s", msg.AttemptCount, reason), nil
		}
		return StateFailed, reason, nil
	})
	return msg, err
}

// FailBeforeSend fails a claimed message that could not be prepared for sending.
func (m *Machine) FailBeforeSend(ctx context.Context, id uuid.UUID, reason string) (*Message, error) {
	msg, _, err := m.transition(ctx, id, func(msg *Message, at time.Time) (State, string, error) {
		if err := checkTransition(msg.State, StateFailed); err != nil {
			return "", "", err
		}
		msg.LastError = reason
		msg.ClaimedAt = nil
		msg.NextAttemptAt = nil
		return StateFailed, reason, nil
	})
	return msg, err
}

// ApplyStatus applies a provider delivery status. Stages only move forward;
// stale, repeated and post-terminal statuses are no-ops.
func (m *Machine) ApplyStatus(ctx context.Context, providerMessageID string, status State, at time.Time, detail string) (bool, error) {
	if stage(status) == 0 && status != StateFailed {
		return false, apperr.Invalid("status", "unsupported delivery status "+string(status))
	}
	msg, err := m.store.FindByProviderID(ctx, providerMessageID)
	if err != nil {
		return false, err
	}
	_, changed, err := m.transition(ctx, msg.ID, func(msg *Message, _ time.Time) (State, string, error) {
		if msg.State.Terminal() {
			return "", "", nil
		}
		if status == StateFailed {
			if msg.State != StateSent {
				return "", "", nil
			}
			if detail == "" {
				detail = "provider reported failure"
			}
			msg.LastError = detail
			return StateFailed, detail, nil
		}
		if stage(status) <= stage(msg.State) || !CanTransition(msg.State, status) {
			return "", "", nil
		}
		reason := "provider status " + string(status)
		if !at.IsZero() {
			reason += " at " + at.UTC().Format(time.RFC3339)
		}
		return status, reason, nil
	})
	return changed, err
}

// Cancel cancels a scheduled message. Messages already handed to dispatch
// return ErrNotCancellable; terminal messages return false.
func (m *Machine) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	_, changed, err := m.transition(ctx, id, func(msg *Message, at time.Time) (State, string, error) {
		if msg.State.Terminal() {
			return "", "", nil
		}
		if msg.State != StateScheduled {
			return "", "", fmt.Errorf("%w: state %s", ErrNotCancellable, msg.State)
		}
		msg.NextAttemptAt = nil
		return StateCancelled, "cancelled by request", nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

type mutation func(msg *Message, at time.Time) (State, string, error)

// transition runs fn under the store lock. An empty target state is a no-op.
func (m *Machine) transition(ctx context.Context, id uuid.UUID, fn mutation) (*Message, bool, error) {
	var from State
	msg, changed, err := m.store.Update(ctx, id, func(msg *Message) (*Transition, error) {
		at := m.now()
		from = msg.State
		to, reason, err := fn(msg, at)
		if err != nil || to == "" {
			return nil, err
		}
		if err := checkTransition(from, to); err != nil {
			return nil, err
		}
		msg.State = to
		if to.Terminal() {
			msg.TerminalAt = &at
		}
		return &Transition{MessageID: msg.ID, From: from, To: to, Reason: reason, At: at}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return msg, false, nil
	}
	m.metrics.ObserveTransition(string(from), string(msg.State))
	m.logger.With("message_id", msg.ID, "contact_id", msg.ContactID).Info("message transition",
		"from", from,
		"to", msg.State,
		"attempt", msg.AttemptCount,
	)
	if msg.State.Terminal() {
		m.notifyTerminal(*msg)
	}
	return msg, true, nil
}

func (m *Machine) notifyTerminal(msg Message) {
	m.mu.RLock()
	observers := make([]func(Message), len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(msg)
	}
}

func (m *Machine) nextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := m.baseDelay
	for i := 1; i < attempts && delay < m.maxDelay; i++ {
		delay *= 2
	}
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	return delay
}
