package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/provider"
	"github.com/wolfman30/coaching-engine/internal/templates"
	"github.com/wolfman30/coaching-engine/internal/window"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	reqs  []provider.Request
	errs  []error
	count int
}

func (f *fakeSender) Send(ctx context.Context, req provider.Request) (provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.count++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return provider.Result{}, err
		}
	}
	return provider.Result{ProviderMessageID: "wamid." + req.MessageID}, nil
}

func (f *fakeSender) requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.reqs...)
}

type harness struct {
	clock      time.Time
	tracker    *window.Tracker
	machine    *delivery.Machine
	sender     *fakeSender
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, always ...string) *harness {
	t.Helper()
	h := &harness{clock: t0, sender: &fakeSender{}}
	now := func() time.Time { return h.clock }
	h.tracker = window.NewTracker(window.NewMemoryStore(), logging.Discard()).WithClock(now)
	h.machine = delivery.NewMachine(delivery.NewMemoryStore(), logging.Discard()).
		WithClock(now).
		WithRetryClassifier(provider.IsRetryable).
		WithMaxAttempts(3).
		WithBackoff(time.Minute, time.Hour)
	resolver := NewResolver(h.tracker, templates.Default(), always)
	h.dispatcher = NewDispatcher(h.machine, resolver, h.sender, logging.Discard()).WithWorkers(3)
	return h
}

func (h *harness) openWindow(t *testing.T, contactID string, at time.Time) {
	t.Helper()
	_, err := h.tracker.RecordSessionEvent(context.Background(), window.SessionEvent{
		ContactID: contactID,
		SessionID: "sess-" + contactID,
		Origin:    window.OriginContact,
		OpenedAt:  at,
	})
	require.NoError(t, err)
}

func (h *harness) schedule(t *testing.T, msg *delivery.Message) *delivery.Message {
	t.Helper()
	require.NoError(t, h.machine.Create(context.Background(), msg))
	return msg
}

func TestResolveFreeFormInsideWindowTemplateAfter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openWindow(t, "c1", t0)

	inside := t0.Add(time.Hour)
	outside := t0.Add(25 * time.Hour)
	early := h.schedule(t, &delivery.Message{ContactID: "c1", SemanticType: "celebration", Content: "🎉 What are we celebrating today?", ScheduleKind: delivery.ScheduleAtTime, ScheduledAt: &inside})
	late := h.schedule(t, &delivery.Message{ContactID: "c1", SemanticType: "celebration", Content: "🎉 What are we celebrating today?", ScheduleKind: delivery.ScheduleAtTime, ScheduledAt: &outside})

	h.clock = inside
	require.Equal(t, 1, h.dispatcher.drain(ctx))
	h.clock = outside
	require.Equal(t, 1, h.dispatcher.drain(ctx))

	got, err := h.machine.Get(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.ModeFreeForm, got.SendMode)
	assert.Equal(t, delivery.StateSent, got.State)

	got, err = h.machine.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.ModeTemplate, got.SendMode)
	assert.Equal(t, "celebration_message_6:en", got.TemplateRef)

	reqs := h.sender.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, provider.ModeFreeForm, reqs[0].Mode)
	assert.Equal(t, provider.ModeTemplate, reqs[1].Mode)
	assert.Equal(t, &provider.Template{Name: "celebration_message_6", Language: "en"}, reqs[1].Template)
}

func TestAlwaysTemplateIgnoresOpenWindow(t *testing.T) {
	h := newHarness(t, "celebration")
	ctx := context.Background()
	h.openWindow(t, "c1", t0)
	msg := h.schedule(t, &delivery.Message{ContactID: "c1", SemanticType: "celebration", Content: "✨ What are you grateful for?", ScheduleKind: delivery.ScheduleImmediate})

	got, err := h.dispatcher.DispatchNow(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.ModeTemplate, got.SendMode)
	assert.Equal(t, "celebration_message_7:en", got.TemplateRef)
}

func TestNoTemplateMappingFailsWithoutSending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := h.schedule(t, &delivery.Message{ContactID: "c1", SemanticType: "custom", Content: "Call me back", ScheduleKind: delivery.ScheduleImmediate})

	got, err := h.dispatcher.DispatchNow(ctx, msg.ID)
	assert.ErrorIs(t, err, templates.ErrNoTemplateMapping)
	require.NotNil(t, got)
	assert.Equal(t, delivery.StateFailed, got.State)
	assert.Contains(t, got.LastError, "no template mapping")
	assert.Empty(t, h.sender.requests())
}

func TestRetryableProviderErrorsEndFailedAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openWindow(t, "c1", t0)
	busy := &provider.Error{Retryable: true, StatusCode: 503, Message: "unavailable"}
	h.sender.errs = []error{busy, busy, busy}
	msg := h.schedule(t, &delivery.Message{ContactID: "c1", SemanticType: "custom", Content: "hi", ScheduleKind: delivery.ScheduleImmediate})

	for i := 0; i < 3; i++ {
		require.Equal(t, 1, h.dispatcher.drain(ctx), "attempt %d", i+1)
		h.clock = h.clock.Add(10 * time.Minute)
	}
	got, err := h.machine.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Contains(t, got.LastError, "unavailable")
	assert.Equal(t, 0, h.dispatcher.drain(ctx))
}

func TestSendModeIsNotReResolvedOnRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openWindow(t, "c1", t0)
	h.sender.errs = []error{&provider.Error{Retryable: true, Message: "timeout"}}
	msg := h.schedule(t, &delivery.Message{ContactID: "c1", SemanticType: "custom", Content: "hi", ScheduleKind: delivery.ScheduleImmediate})

	h.clock = t0.Add(23*time.Hour + 59*time.Minute)
	require.Equal(t, 1, h.dispatcher.drain(ctx))

	// the window has closed by the retry, the stamped mode still applies
	h.clock = t0.Add(26 * time.Hour)
	require.Equal(t, 1, h.dispatcher.drain(ctx))

	got, err := h.machine.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StateSent, got.State)
	assert.Equal(t, delivery.ModeFreeForm, got.SendMode)
	for _, req := range h.sender.requests() {
		assert.Equal(t, provider.ModeFreeForm, req.Mode)
	}
}

func TestNonRetryableProviderErrorFailsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openWindow(t, "c1", t0)
	h.sender.errs = []error{&provider.Error{StatusCode: 400, Code: "131026", Message: "invalid recipient"}}
	msg := h.schedule(t, &delivery.Message{ContactID: "c1", Content: "hi", ScheduleKind: delivery.ScheduleImmediate})

	got, err := h.dispatcher.DispatchNow(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StateFailed, got.State)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestDrainSendsBatchAcrossWorkers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, c := range []string{"c1", "c2", "c3", "c4", "c5"} {
		h.openWindow(t, c, t0)
		h.schedule(t, &delivery.Message{ContactID: c, Content: "hi " + c, ScheduleKind: delivery.ScheduleImmediate})
	}
	assert.Equal(t, 5, h.dispatcher.drain(ctx))
	assert.Len(t, h.sender.requests(), 5)
	assert.Equal(t, 0, h.dispatcher.drain(ctx))
}

type brokenWindow struct{}

func (brokenWindow) IsFreeFormEligible(ctx context.Context, contactID string) (bool, error) {
	return false, errors.New("db down")
}

func TestResolverStoreErrorRetriesLater(t *testing.T) {
	machine := delivery.NewMachine(delivery.NewMemoryStore(), logging.Discard()).
		WithClock(func() time.Time { return t0 }).
		WithRetryClassifier(provider.IsRetryable)
	sender := &fakeSender{}
	d := NewDispatcher(machine, NewResolver(brokenWindow{}, templates.Default(), nil), sender, logging.Discard())
	ctx := context.Background()
	msg := &delivery.Message{ContactID: "c1", Content: "hi", ScheduleKind: delivery.ScheduleImmediate}
	require.NoError(t, machine.Create(ctx, msg))

	got, err := d.DispatchNow(ctx, msg.ID)
	assert.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, delivery.StateScheduled, got.State)
	assert.Equal(t, delivery.ModeUnresolved, got.SendMode)
	assert.Empty(t, sender.requests())
}
