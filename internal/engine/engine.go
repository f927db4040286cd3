// Package engine exposes the scheduling, cancellation and status operations
// used by the HTTP surface and other callers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/internal/contact"
	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/templates"
	"github.com/wolfman30/coaching-engine/internal/window"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

// DefaultSemanticType is used when a request names none.
const DefaultSemanticType = "custom"

type messageMachine interface {
	Create(ctx context.Context, msg *delivery.Message) error
	Get(ctx context.Context, id uuid.UUID) (*delivery.Message, error)
	History(ctx context.Context, contactID string) ([]delivery.Message, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]delivery.Transition, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

type windowStatus interface {
	Status(ctx context.Context, contactID string) (window.Status, error)
}

type inlineDispatcher interface {
	DispatchNow(ctx context.Context, id uuid.UUID) (*delivery.Message, error)
}

type templatePolicy interface {
	AlwaysTemplate(semanticType string) bool
}

type templateLookup interface {
	Lookup(semanticType, content string) (templates.Template, error)
}

// RecurrencePlanner validates patterns and computes the first occurrence.
type RecurrencePlanner interface {
	Validate(pattern string) error
	Next(pattern string, after time.Time) (time.Time, error)
}

// ScheduleRequest describes a message to schedule.
type ScheduleRequest struct {
	ContactID         string     `json:"contact_id"`
	SemanticType      string     `json:"semantic_type"`
	Content           string     `json:"content"`
	ScheduleKind      string     `json:"schedule_kind"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`
}

// CancelResult reports the outcome of a cancellation request.
type CancelResult struct {
	Cancelled bool           `json:"cancelled"`
	State     delivery.State `json:"state"`
	Reason    string         `json:"reason,omitempty"`
}

// Engine wires the tracker, machine and dispatcher behind the exposed operations.
type Engine struct {
	machine    messageMachine
	windows    windowStatus
	dispatcher inlineDispatcher
	policy     templatePolicy
	catalog    templateLookup
	planner    RecurrencePlanner
	logger     *logging.Logger
	clock      func() time.Time
}

func New(machine messageMachine, windows windowStatus, dispatcher inlineDispatcher, logger *logging.Logger) *Engine {
	if machine == nil || windows == nil {
		panic("engine: machine and window tracker required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		machine:    machine,
		windows:    windows,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      time.Now,
	}
}

// WithTemplatePolicy enables the creation-time mapping check for
// always-template semantic types.
func (e *Engine) WithTemplatePolicy(policy templatePolicy, catalog templateLookup) *Engine {
	e.policy = policy
	e.catalog = catalog
	return e
}

func (e *Engine) WithRecurrence(p RecurrencePlanner) *Engine {
	e.planner = p
	return e
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// ScheduleMessage validates and stores a message. Immediate messages are
// dispatched inline; a mapping failure during that send is returned along
// with the failed message.
func (e *Engine) ScheduleMessage(ctx context.Context, req ScheduleRequest) (*delivery.Message, error) {
	msg, err := e.buildMessage(req)
	if err != nil {
		return nil, err
	}
	if e.policy != nil && e.catalog != nil && e.policy.AlwaysTemplate(msg.SemanticType) {
		if _, err := e.catalog.Lookup(msg.SemanticType, msg.Content); err != nil {
			return nil, err
		}
	}
	if err := e.machine.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("engine: schedule: %w", err)
	}
	log := e.logger.ForContact(msg.ContactID).With("message_id", msg.ID)
	log.Info("message scheduled", "schedule_kind", msg.ScheduleKind, "semantic_type", msg.SemanticType)

	if msg.ScheduleKind != delivery.ScheduleImmediate || e.dispatcher == nil {
		return msg, nil
	}
	sent, err := e.dispatcher.DispatchNow(ctx, msg.ID)
	switch {
	case errors.Is(err, templates.ErrNoTemplateMapping):
		return sent, err
	case errors.Is(err, delivery.ErrIllegalTransition):
		// A dispatch worker claimed it first.
		return e.machine.Get(ctx, msg.ID)
	case err != nil:
		log.Warn("inline dispatch failed, left for dispatch workers", "error", err)
		if sent != nil {
			return sent, nil
		}
		return e.machine.Get(ctx, msg.ID)
	}
	return sent, nil
}

func (e *Engine) buildMessage(req ScheduleRequest) (*delivery.Message, error) {
	contactID := contact.Normalize(req.ContactID)
	if contactID == "" {
		return nil, apperr.Invalid("contact_id", "is required")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperr.Invalid("content", "is required")
	}
	semantic := strings.ToLower(strings.TrimSpace(req.SemanticType))
	if semantic == "" {
		semantic = DefaultSemanticType
	}
	kind, ok := delivery.ParseScheduleKind(req.ScheduleKind)
	if !ok {
		return nil, apperr.Invalid("schedule_kind", "must be immediate, at_time or recurring")
	}

	msg := &delivery.Message{
		ContactID:    contactID,
		SemanticType: semantic,
		Content:      content,
		ScheduleKind: kind,
	}
	switch kind {
	case delivery.ScheduleAtTime:
		if req.ScheduledAt == nil || req.ScheduledAt.IsZero() {
			return nil, apperr.Invalid("scheduled_at", "is required for at_time messages")
		}
		at := req.ScheduledAt.UTC()
		msg.ScheduledAt = &at
	case delivery.ScheduleRecurring:
		pattern := strings.TrimSpace(req.RecurrencePattern)
		if pattern == "" {
			return nil, apperr.Invalid("recurrence_pattern", "is required for recurring messages")
		}
		msg.RecurrencePattern = pattern
		if e.planner != nil {
			if err := e.planner.Validate(pattern); err != nil {
				return nil, err
			}
		}
		switch {
		case req.ScheduledAt != nil && !req.ScheduledAt.IsZero():
			at := req.ScheduledAt.UTC()
			msg.ScheduledAt = &at
		case e.planner != nil:
			next, err := e.planner.Next(pattern, e.clock().UTC())
			if err != nil {
				return nil, err
			}
			msg.ScheduledAt = &next
		default:
			return nil, apperr.Invalid("scheduled_at", "is required for recurring messages")
		}
	}
	return msg, nil
}

// CancelMessage cancels a scheduled message. Messages already handed to the
// provider are reported as not cancelled without an error.
func (e *Engine) CancelMessage(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	ok, err := e.machine.Cancel(ctx, id)
	if err != nil && !errors.Is(err, delivery.ErrNotCancellable) {
		return CancelResult{}, fmt.Errorf("engine: cancel: %w", err)
	}
	msg, gerr := e.machine.Get(ctx, id)
	if gerr != nil {
		return CancelResult{}, fmt.Errorf("engine: cancel: %w", gerr)
	}
	res := CancelResult{Cancelled: ok, State: msg.State}
	switch {
	case errors.Is(err, delivery.ErrNotCancellable):
		res.Reason = "message already dispatched"
	case !ok:
		res.Reason = "message already " + string(msg.State)
	}
	return res, nil
}

// GetMessage returns one message.
func (e *Engine) GetMessage(ctx context.Context, id uuid.UUID) (*delivery.Message, error) {
	return e.machine.Get(ctx, id)
}

// GetMessageHistory returns every message for a contact, most recent first.
func (e *Engine) GetMessageHistory(ctx context.Context, contactID string) ([]delivery.Message, error) {
	id := contact.Normalize(contactID)
	if id == "" {
		return nil, apperr.Invalid("contact_id", "is required")
	}
	msgs, err := e.machine.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: history: %w", err)
	}
	if msgs == nil {
		msgs = []delivery.Message{}
	}
	return msgs, nil
}

// GetConversationStatus reports whether free-form messages may be sent now.
func (e *Engine) GetConversationStatus(ctx context.Context, contactID string) (window.Status, error) {
	id := contact.Normalize(contactID)
	if id == "" {
		return window.Status{}, apperr.Invalid("contact_id", "is required")
	}
	st, err := e.windows.Status(ctx, id)
	if err != nil {
		return window.Status{}, fmt.Errorf("engine: conversation status: %w", err)
	}
	return st, nil
}

// Transitions returns the audit trail of a message in order.
func (e *Engine) Transitions(ctx context.Context, id uuid.UUID) ([]delivery.Transition, error) {
	if _, err := e.machine.Get(ctx, id); err != nil {
		return nil, err
	}
	trs, err := e.machine.Transitions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: transitions: %w", err)
	}
	return trs, nil
}
