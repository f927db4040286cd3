package window

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

var tracer = otel.Tracer("coaching-engine.window")

var now = time.Now

// Result describes what a session event did to the contact's windows.
type Result string

const (
	ResultCreated  Result = "created"
	ResultExtended Result = "extended"
	ResultReplaced Result = "replaced"
	ResultIgnored  Result = "ignored"
)

// Tracker owns all writes to conversation windows.
type Tracker struct {
	store    Store
	logger   *logging.Logger
	metrics  *metrics.EngineMetrics
	duration time.Duration
	clock    func() time.Time
}

func NewTracker(store Store, logger *logging.Logger) *Tracker {
	if store == nil {
		panic("window: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{
		store:    store,
		logger:   logger,
		duration: DefaultDuration,
		clock:    time.Now,
	}
}

// WithDuration sets the window length used when an event has no expiry.
func (t *Tracker) WithDuration(d time.Duration) *Tracker {
	if d > 0 {
		t.duration = d
	}
	return t
}

func (t *Tracker) WithMetrics(m *metrics.EngineMetrics) *Tracker {
	t.metrics = m
	return t
}

// WithClock overrides the time source used for eligibility checks.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// RecordSessionEvent applies a session event to the contact's active window.
func (t *Tracker) RecordSessionEvent(ctx context.Context, ev SessionEvent) (Result, error) {
	ctx, span := tracer.Start(ctx, "window.record_session_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("contact_id", ev.ContactID),
		attribute.String("session_id", ev.SessionID),
		attribute.String("origin", string(ev.Origin)),
	)

	if err := ev.validate(); err != nil {
		t.metrics.ObserveWindowEvent("invalid")
		return "", err
	}
	ev.OpenedAt = ev.OpenedAt.UTC()
	explicit := !ev.ExpiresAt.IsZero()
	if !explicit {
		ev.ExpiresAt = ev.OpenedAt.Add(t.duration)
	}
	ev.ExpiresAt = ev.ExpiresAt.UTC()

	var result Result
	err := t.store.WithContact(ctx, ev.ContactID, func(ctx context.Context, tx Tx) error {
		var err error
		result, err = apply(ctx, tx, ev, explicit)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record session event failed")
		return "", fmt.Errorf("window: record session event: %w", err)
	}
	span.SetAttributes(attribute.String("result", string(result)))
	t.metrics.ObserveWindowEvent(string(result))
	t.logger.ForContact(ev.ContactID).Debug("session event applied",
		"session_id", ev.SessionID,
		"origin", ev.Origin,
		"expires_at", ev.ExpiresAt,
		"result", result,
	)
	return result, nil
}

// apply runs inside the contact's critical section. A contact message without
// a session id restarts the window from its own time; an event for a named
// session only moves expiry when it reports one.
func apply(ctx context.Context, tx Tx, ev SessionEvent, explicitExpiry bool) (Result, error) {
	ts := now().UTC()
	active, err := tx.Active(ctx, ev.ContactID)
	if err != nil {
		return "", err
	}

	if active != nil && sameSession(active, ev) {
		changed := false
		if active.SessionID == "" && ev.SessionID != "" {
			active.SessionID = ev.SessionID
			changed = true
		}
		if (explicitExpiry || ev.SessionID == "") && ev.ExpiresAt.After(active.ExpiresAt) {
			active.ExpiresAt = ev.ExpiresAt
			changed = true
		}
		if !changed {
			return ResultIgnored, nil
		}
		active.UpdatedAt = ts
		if err := tx.Update(ctx, active); err != nil {
			return "", err
		}
		return ResultExtended, nil
	}

	if active != nil {
		stale, err := isStale(ctx, tx, active, ev)
		if err != nil {
			return "", err
		}
		if stale {
			return ResultIgnored, nil
		}
		active.Active = false
		active.UpdatedAt = ts
		if err := tx.Update(ctx, active); err != nil {
			return "", err
		}
	}

	w := &Window{
		ContactID: ev.ContactID,
		SessionID: ev.SessionID,
		Origin:    ev.Origin,
		OpenedAt:  ev.OpenedAt,
		ExpiresAt: ev.ExpiresAt,
		Active:    true,
		UpdatedAt: ts,
	}
	if err := tx.Insert(ctx, w); err != nil {
		return "", err
	}
	if active != nil {
		return ResultReplaced, nil
	}
	return ResultCreated, nil
}

// sameSession matches concrete session ids exactly. When either side has no
// session id, the event belongs to the window if the origin agrees and it
// happened before the window expired.
func sameSession(w *Window, ev SessionEvent) bool {
	if w.SessionID != "" && ev.SessionID != "" {
		return w.SessionID == ev.SessionID
	}
	return w.Origin == ev.Origin && !ev.OpenedAt.After(w.ExpiresAt)
}

// isStale reports whether a non-matching event is older than the active
// window, or replays a session that was already superseded.
func isStale(ctx context.Context, tx Tx, active *Window, ev SessionEvent) (bool, error) {
	if ev.OpenedAt.Before(active.OpenedAt) {
		return true, nil
	}
	if ev.SessionID == "" {
		return false, nil
	}
	prior, err := tx.FindSession(ctx, ev.ContactID, ev.SessionID)
	if err != nil {
		return false, err
	}
	return prior != nil && !prior.Active && !ev.ExpiresAt.After(active.ExpiresAt), nil
}

// IsFreeFormEligible reports whether a plain message may be sent to the contact now.
func (t *Tracker) IsFreeFormEligible(ctx context.Context, contactID string) (bool, error) {
	w, err := t.current(ctx, contactID)
	if err != nil {
		return false, err
	}
	return w.OpenAt(t.clock()), nil
}

// Status returns the contact's current window state.
func (t *Tracker) Status(ctx context.Context, contactID string) (Status, error) {
	w, err := t.current(ctx, contactID)
	if err != nil {
		return Status{}, err
	}
	if w == nil {
		return Status{}, nil
	}
	expires := w.ExpiresAt
	return Status{
		Eligible:  w.OpenAt(t.clock()),
		ExpiresAt: &expires,
		Origin:    w.Origin,
		SessionID: w.SessionID,
	}, nil
}

// current loads the active window and lazily closes it once expired.
func (t *Tracker) current(ctx context.Context, contactID string) (*Window, error) {
	ctx, span := tracer.Start(ctx, "window.current")
	defer span.End()
	span.SetAttributes(attribute.String("contact_id", contactID))

	w, err := t.store.Active(ctx, contactID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("window: load active: %w", err)
	}
	at := t.clock()
	if w == nil || !at.After(w.ExpiresAt) {
		return w, nil
	}
	if err := t.deactivate(ctx, w.ID, contactID, at); err != nil {
		t.logger.ForContact(contactID).Warn("lazy window deactivation failed", "error", err)
	}
	return nil, nil
}

func (t *Tracker) deactivate(ctx context.Context, id int64, contactID string, at time.Time) error {
	return t.store.WithContact(ctx, contactID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.Active(ctx, contactID)
		if err != nil {
			return err
		}
		if cur == nil || cur.ID != id || !at.After(cur.ExpiresAt) {
			return nil
		}
		cur.Active = false
		cur.UpdatedAt = now().UTC()
		return tx.Update(ctx, cur)
	})
}
