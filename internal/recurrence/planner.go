package recurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

// maxCatchUp bounds how many missed occurrences are skipped when computing
// the next send time after downtime.
const maxCatchUp = 1000

// Planner computes occurrence times for recurring messages.
type Planner struct{}

// Validate reports whether raw is a usable pattern.
func (Planner) Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// Next returns the first occurrence strictly after `after`.
func (Planner) Next(raw string, after time.Time) (time.Time, error) {
	sched, err := Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// NextAfter steps from the previous occurrence until it passes now, so a
// backlog of missed occurrences collapses into one.
func (Planner) NextAfter(raw string, previous, now time.Time) (time.Time, error) {
	sched, err := Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(previous)
	for i := 0; !next.After(now); i++ {
		if i >= maxCatchUp || next.IsZero() {
			return time.Time{}, fmt.Errorf("recurrence: no occurrence after %s", now.Format(time.RFC3339))
		}
		next = sched.Next(next)
	}
	return next, nil
}

type messageCreator interface {
	Create(ctx context.Context, msg *delivery.Message) error
}

// Rescheduler enqueues the next occurrence when a recurring message
// reaches a terminal state. Cancelled messages end the series.
type Rescheduler struct {
	creator messageCreator
	planner Planner
	logger  *logging.Logger
	timeout time.Duration
	clock   func() time.Time
}

func NewRescheduler(creator messageCreator, logger *logging.Logger) *Rescheduler {
	if creator == nil {
		panic("recurrence: message creator required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Rescheduler{creator: creator, logger: logger, timeout: 5 * time.Second, clock: time.Now}
}

func (r *Rescheduler) WithClock(clock func() time.Time) *Rescheduler {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// HandleTerminal is registered with delivery.Machine.OnTerminal.
func (r *Rescheduler) HandleTerminal(msg delivery.Message) {
	if msg.ScheduleKind != delivery.ScheduleRecurring || msg.State == delivery.StateCancelled {
		return
	}
	log := r.logger.With("message_id", msg.ID, "contact_id", msg.ContactID)

	now := r.clock().UTC()
	previous := now
	if msg.ScheduledAt != nil {
		previous = *msg.ScheduledAt
	}
	next, err := r.planner.NextAfter(msg.RecurrencePattern, previous, now)
	if err != nil {
		log.Error("recurrence: compute next occurrence failed", "error", err, "pattern", msg.RecurrencePattern)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	following := &delivery.Message{
		ContactID:         msg.ContactID,
		SemanticType:      msg.SemanticType,
		Content:           msg.Content,
		ScheduleKind:      delivery.ScheduleRecurring,
		ScheduledAt:       &next,
		RecurrencePattern: msg.RecurrencePattern,
	}
	if err := r.creator.Create(ctx, following); err != nil {
		log.Error("recurrence: schedule next occurrence failed", "error", err)
		return
	}
	log.Info("next occurrence scheduled", "next_message_id", following.ID, "scheduled_at", next)
}
