package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestTracker(store Store, at *time.Time) *Tracker {
	return NewTracker(store, logging.Discard()).WithClock(func() time.Time { return *at })
}

func activeCount(rows []Window) int {
	n := 0
	for _, w := range rows {
		if w.Active {
			n++
		}
	}
	return n
}

func TestRecordSessionEventCreatesWindowWithDefaultExpiry(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)

	res, err := tracker.RecordSessionEvent(context.Background(), SessionEvent{
		ContactID: "c1",
		SessionID: "s1",
		Origin:    OriginContact,
		OpenedAt:  t0,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)

	w, err := store.Active(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, t0.Add(24*time.Hour), w.ExpiresAt)
}

func TestIsFreeFormEligibleBoundary(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()
	expires := t0.Add(24 * time.Hour)

	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s1", Origin: OriginContact, OpenedAt: t0, ExpiresAt: expires})
	require.NoError(t, err)

	at = expires.Add(-time.Second)
	ok, err := tracker.IsFreeFormEligible(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok, "eligible one second before expiry")

	at = expires
	ok, err = tracker.IsFreeFormEligible(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok, "eligible at the expiry instant")

	at = expires.Add(time.Second)
	ok, err = tracker.IsFreeFormEligible(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "not eligible one second after expiry")

	// expired window is closed on read
	assert.Equal(t, 0, activeCount(store.All("c1")))
}

func TestBusinessInitiatedWindowIsNotEligible(t *testing.T) {
	store := NewMemoryStore()
	at := t0.Add(time.Hour)
	tracker := newTestTracker(store, &at)
	ctx := context.Background()

	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "biz", Origin: OriginBusiness, OpenedAt: t0})
	require.NoError(t, err)

	ok, err := tracker.IsFreeFormEligible(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := tracker.Status(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, status.Eligible)
	require.NotNil(t, status.ExpiresAt)
	assert.Equal(t, OriginBusiness, status.Origin)
}

func TestSameSessionExtensionIsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()
	late := t0.Add(30 * time.Hour)

	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s1", Origin: OriginContact, OpenedAt: t0, ExpiresAt: t0.Add(24 * time.Hour)})
	require.NoError(t, err)

	res, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s1", Origin: OriginContact, OpenedAt: t0, ExpiresAt: late})
	require.NoError(t, err)
	assert.Equal(t, ResultExtended, res)

	res, err = tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s1", Origin: OriginContact, OpenedAt: t0, ExpiresAt: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	w, err := store.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, late, w.ExpiresAt)
	assert.Len(t, store.All("c1"), 1)
}

func TestDifferentSessionReplacesWindow(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()

	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s1", Origin: OriginBusiness, OpenedAt: t0})
	require.NoError(t, err)
	res, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s2", Origin: OriginContact, OpenedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultReplaced, res)

	rows := store.All("c1")
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Active)
	assert.True(t, rows[1].Active)
	assert.Equal(t, "s2", rows[1].SessionID)
}

func TestEmptySessionEventsExtendAndAdopt(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()

	// inbound message carries no session id
	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", Origin: OriginContact, OpenedAt: t0})
	require.NoError(t, err)

	res, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", Origin: OriginContact, OpenedAt: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultExtended, res)

	res, err = tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "conv-1", Origin: OriginContact, OpenedAt: t0, ExpiresAt: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultExtended, res)

	rows := store.All("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, "conv-1", rows[0].SessionID)
	assert.Equal(t, t0.Add(26*time.Hour), rows[0].ExpiresAt)
}

func TestInboundMessageAfterExpiryOpensNewWindow(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()

	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", Origin: OriginContact, OpenedAt: t0})
	require.NoError(t, err)
	res, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", Origin: OriginContact, OpenedAt: t0.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultReplaced, res)
}

func TestStaleEventsDoNotReopenWindows(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()

	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s1", Origin: OriginContact, OpenedAt: t0})
	require.NoError(t, err)
	_, err = tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s2", Origin: OriginContact, OpenedAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	// replay of the superseded session
	res, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s1", Origin: OriginContact, OpenedAt: t0.Add(time.Hour), ExpiresAt: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	// out-of-order delivery of an older session
	res, err = tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "s0", Origin: OriginContact, OpenedAt: t0.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	w, err := store.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s2", w.SessionID)
}

func TestRecordSessionEventRejectsMalformedEvents(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)

	cases := []SessionEvent{
		{SessionID: "s1", Origin: OriginContact, OpenedAt: t0},
		{ContactID: "c1", Origin: "mystery", OpenedAt: t0},
		{ContactID: "c1", Origin: OriginContact},
		{ContactID: "c1", Origin: OriginContact, OpenedAt: t0, ExpiresAt: t0.Add(-time.Minute)},
	}
	for i, ev := range cases {
		_, err := tracker.RecordSessionEvent(context.Background(), ev)
		if !apperr.IsValidation(err) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	assert.Empty(t, store.All("c1"))
}

func TestConcurrentSessionEventsKeepSingleActiveWindow(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tracker.RecordSessionEvent(ctx, SessionEvent{
				ContactID: "c1",
				SessionID: fmt.Sprintf("s%d", i),
				Origin:    OriginContact,
				OpenedAt:  t0.Add(time.Duration(i%5) * time.Minute),
			})
			if err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, activeCount(store.All("c1")))
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f failingStore) Active(ctx context.Context, contactID string) (*Window, error) {
	return nil, f.err
}

func TestIsFreeFormEligiblePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	at := t0
	tracker := newTestTracker(failingStore{MemoryStore: NewMemoryStore(), err: boom}, &at)

	ok, err := tracker.IsFreeFormEligible(context.Background(), "c1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestParseOrigin(t *testing.T) {
	cases := map[string]Origin{
		"user_initiated":     OriginContact,
		"SERVICE":            OriginContact,
		"contact-initiated":  OriginContact,
		"business_initiated": OriginBusiness,
		"marketing":          OriginBusiness,
		"utility":            OriginBusiness,
	}
	for raw, want := range cases {
		got, err := ParseOrigin(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseOrigin("bogus")
	assert.True(t, apperr.IsValidation(err))
}

func TestSessionEventWithoutExpiryDoesNotExtendKnownSession(t *testing.T) {
	store := NewMemoryStore()
	at := t0
	tracker := newTestTracker(store, &at)
	ctx := context.Background()

	_, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", Origin: OriginContact, OpenedAt: t0})
	require.NoError(t, err)

	// adopts the session id but keeps the reported expiry
	res, err := tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "conv-1", Origin: OriginContact, OpenedAt: t0.Add(20 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultExtended, res)

	res, err = tracker.RecordSessionEvent(ctx, SessionEvent{ContactID: "c1", SessionID: "conv-1", Origin: OriginContact, OpenedAt: t0.Add(22 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	rows := store.All("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, "conv-1", rows[0].SessionID)
	assert.Equal(t, t0.Add(24*time.Hour), rows[0].ExpiresAt)

	at = t0.Add(30 * time.Hour)
	eligible, err := tracker.IsFreeFormEligible(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, eligible)
}
