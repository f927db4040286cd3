package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type retryableErr struct{ msg string }

func (e retryableErr) Error() string { return e.msg }

func isRetryable(err error) bool {
	var r retryableErr
	return errors.As(err, &r)
}

type testClock struct{ at time.Time }

func (c *testClock) now() time.Time { return c.at }

func newTestMachine() (*Machine, *MemoryStore, *testClock) {
	store := NewMemoryStore()
	clock := &testClock{at: t0}
	m := NewMachine(store, logging.Discard()).
		WithClock(clock.now).
		WithRetryClassifier(isRetryable).
		WithMaxAttempts(3).
		WithBackoff(time.Minute, 10*time.Minute)
	return m, store, clock
}

func createSent(t *testing.T, m *Machine, providerID string) *Message {
	t.Helper()
	ctx := context.Background()
	msg := &Message{ContactID: "c1", SemanticType: "custom", Content: "hi", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, msg))
	claimed, err := m.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	sent, err := m.MarkSent(ctx, msg.ID, providerID)
	require.NoError(t, err)
	require.Equal(t, StateSent, sent.State)
	return sent
}

func TestMachineHappyPathRecordsEveryTransition(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()
	msg := createSent(t, m, "wamid.1")

	applied, err := m.ApplyStatus(ctx, "wamid.1", StateDelivered, t0, "")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = m.ApplyStatus(ctx, "wamid.1", StateRead, t0, "")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := m.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRead, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.TerminalAt)

	trs, err := m.Transitions(ctx, msg.ID)
	require.NoError(t, err)
	var path []State
	for _, tr := range trs {
		path = append(path, tr.To)
	}
	assert.Equal(t, []State{StateScheduled, StateSending, StateSent, StateDelivered, StateRead}, path)
}

func TestApplyStatusOutOfOrderEndsRead(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()
	msg := createSent(t, m, "wamid.2")

	applied, err := m.ApplyStatus(ctx, "wamid.2", StateRead, t0, "")
	require.NoError(t, err)
	assert.True(t, applied)

	for _, late := range []State{StateDelivered, StateSent, StateRead, StateFailed} {
		applied, err := m.ApplyStatus(ctx, "wamid.2", late, t0, "")
		require.NoError(t, err)
		assert.False(t, applied, "late %s must be a no-op", late)
	}

	got, err := m.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRead, got.State)
}

func TestApplyStatusSameStageIsIdempotent(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()
	createSent(t, m, "wamid.3")

	first, err := m.ApplyStatus(ctx, "wamid.3", StateDelivered, t0, "")
	require.NoError(t, err)
	second, err := m.ApplyStatus(ctx, "wamid.3", StateDelivered, t0, "")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestApplyStatusFailedAfterSent(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()
	msg := createSent(t, m, "wamid.4")

	applied, err := m.ApplyStatus(ctx, "wamid.4", StateFailed, t0, "131026: undeliverable")
	require.NoError(t, err)
	assert.True(t, applied)
	got, _ := m.Get(ctx, msg.ID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "131026: undeliverable", got.LastError)
}

func TestApplyStatusUnknownProviderID(t *testing.T) {
	m, _, _ := newTestMachine()
	_, err := m.ApplyStatus(context.Background(), "wamid.missing", StateDelivered, t0, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = m.ApplyStatus(context.Background(), "wamid.missing", StateCancelled, t0, "")
	assert.True(t, apperr.IsValidation(err))
}

func TestCancelRules(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()

	future := t0.Add(time.Hour)
	scheduled := &Message{ContactID: "c1", Content: "later", ScheduleKind: ScheduleAtTime, ScheduledAt: &future}
	require.NoError(t, m.Create(ctx, scheduled))

	ok, err := m.Cancel(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Cancel(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cancelling a terminal message is a no-op")

	sent := createSent(t, m, "wamid.5")
	ok, err = m.Cancel(ctx, sent.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.False(t, ok)
	got, _ := m.Get(ctx, sent.ID)
	assert.Equal(t, StateSent, got.State, "state is preserved")
}

func TestRetryableFailuresExhaustAttempts(t *testing.T) {
	m, _, clock := newTestMachine()
	ctx := context.Background()
	msg := &Message{ContactID: "c1", Content: "hi", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, msg))

	var last *Message
	for i := 1; i <= 3; i++ {
		claimed, err := m.ClaimDue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d should be due", i)
		last, err = m.RecordSendFailure(ctx, msg.ID, retryableErr{msg: "provider 503"})
		require.NoError(t, err)
		assert.Equal(t, i, last.AttemptCount)
		clock.at = clock.at.Add(time.Hour)
	}
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, 3, last.AttemptCount)
	assert.Equal(t, "provider 503", last.LastError)

	claimed, err := m.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRetryBackoffDelaysNextClaim(t *testing.T) {
	m, _, clock := newTestMachine()
	ctx := context.Background()
	msg := &Message{ContactID: "c1", Content: "hi", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, msg))

	_, err := m.ClaimDue(ctx, 10)
	require.NoError(t, err)
	retried, err := m.RecordSendFailure(ctx, msg.ID, retryableErr{msg: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, retried.State)
	require.NotNil(t, retried.NextAttemptAt)
	assert.Equal(t, t0.Add(time.Minute), *retried.NextAttemptAt)

	claimed, err := m.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "not due before backoff elapses")

	clock.at = t0.Add(time.Minute)
	claimed, err = m.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()
	msg := &Message{ContactID: "c1", Content: "hi", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, msg))
	_, err := m.ClaimDue(ctx, 10)
	require.NoError(t, err)

	got, err := m.RecordSendFailure(ctx, msg.ID, errors.New("invalid recipient"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "invalid recipient", got.LastError)
}

func TestClaimDueHonoursScheduledAt(t *testing.T) {
	m, _, clock := newTestMachine()
	ctx := context.Background()
	at := t0.Add(2 * time.Hour)
	msg := &Message{ContactID: "c1", Content: "later", ScheduleKind: ScheduleAtTime, ScheduledAt: &at}
	require.NoError(t, m.Create(ctx, msg))

	claimed, err := m.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clock.at = at
	claimed, err = m.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, StateSending, claimed[0].State)

	_, err = m.Claim(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition, "an already-claimed message cannot be claimed again")
}

func TestStampModeOnlyOnce(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()
	msg := &Message{ContactID: "c1", Content: "hi", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, msg))

	got, err := m.StampMode(ctx, msg.ID, ModeFreeForm, "")
	require.NoError(t, err)
	assert.Equal(t, ModeFreeForm, got.SendMode)

	got, err = m.StampMode(ctx, msg.ID, ModeTemplate, "celebration_message_1:en")
	require.NoError(t, err)
	assert.Equal(t, ModeFreeForm, got.SendMode)
	assert.Empty(t, got.TemplateRef)
}

func TestRecoverStaleSending(t *testing.T) {
	m, _, clock := newTestMachine()
	ctx := context.Background()
	msg := &Message{ContactID: "c1", Content: "hi", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, msg))
	_, err := m.ClaimDue(ctx, 10)
	require.NoError(t, err)

	n, err := m.RecoverStale(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh claims are left alone")

	clock.at = t0.Add(5 * time.Minute)
	n, err = m.RecoverStale(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := m.Get(ctx, msg.ID)
	assert.Equal(t, StateScheduled, got.State)
	assert.Equal(t, "dispatch lease expired", got.LastError)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestOnTerminalObserversFire(t *testing.T) {
	m, _, _ := newTestMachine()
	ctx := context.Background()
	var seen []State
	m.OnTerminal(func(msg Message) { seen = append(seen, msg.State) })

	msg := createSent(t, m, "wamid.6")
	_, err := m.ApplyStatus(ctx, "wamid.6", StateDelivered, t0, "")
	require.NoError(t, err)
	assert.Empty(t, seen)
	_, err = m.ApplyStatus(ctx, "wamid.6", StateRead, t0, "")
	require.NoError(t, err)
	assert.Equal(t, []State{StateRead}, seen)

	ok, err := m.Cancel(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, seen, 1)
}

func TestHistoryMostRecentFirst(t *testing.T) {
	m, _, clock := newTestMachine()
	ctx := context.Background()
	first := &Message{ContactID: "c1", Content: "one", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, first))
	clock.at = t0.Add(time.Minute)
	second := &Message{ContactID: "c1", Content: "two", ScheduleKind: ScheduleImmediate}
	require.NoError(t, m.Create(ctx, second))
	require.NoError(t, m.Create(ctx, &Message{ContactID: "c2", Content: "other", ScheduleKind: ScheduleImmediate}))

	hist, err := m.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ID)
	assert.Equal(t, first.ID, hist[1].ID)
}

func TestNextDelayIsCapped(t *testing.T) {
	m := NewMachine(NewMemoryStore(), logging.Discard()).WithBackoff(time.Minute, 5*time.Minute)
	cases := map[int]time.Duration{1: time.Minute, 2: 2 * time.Minute, 3: 4 * time.Minute, 4: 5 * time.Minute, 40: 5 * time.Minute}
	for attempts, want := range cases {
		if got := m.nextDelay(attempts); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempts, want, got)
		}
	}
}
