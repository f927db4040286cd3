// Package delivery drives outbound messages through their lifecycle.
package delivery

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIllegalTransition is returned for state changes outside the transition table.
	ErrIllegalTransition = errors.New("delivery: illegal transition")
	// ErrNotCancellable is returned when cancel is requested after dispatch started.
	ErrNotCancellable = errors.New("delivery: message can no longer be cancelled")
)

// State is an outbound message lifecycle state.
type State string

const (
	StateScheduled State = "scheduled"
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	switch s {
	case StateRead, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ParseState accepts the lowercase state names.
func ParseState(raw string) (State, bool) {
	s := State(raw)
	switch s {
	case StateScheduled, StateSending, StateSent, StateDelivered, StateRead, StateFailed, StateCancelled:
		return s, true
	}
	return "", false
}

// Mode is how a message goes out. It is stamped once before the first send.
type Mode string

const (
	ModeUnresolved Mode = "unresolved"
	ModeFreeForm   Mode = "free_form"
	ModeTemplate   Mode = "template"
)

// ScheduleKind says when a message becomes due.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAtTime    ScheduleKind = "at_time"
	ScheduleRecurring ScheduleKind = "recurring"
)

// ParseScheduleKind accepts the stored names plus their hyphenated forms.
func ParseScheduleKind(raw string) (ScheduleKind, bool) {
	switch raw {
	case "", "immediate":
		return ScheduleImmediate, true
	case "at_time", "at-time":
		return ScheduleAtTime, true
	case "recurring":
		return ScheduleRecurring, true
	}
	return "", false
}

// Message is an outbound message row. Rows are never hard-deleted.
type Message struct {
	ID                uuid.UUID    `json:"id"`
	ContactID         string       `json:"contact_id"`
	SemanticType      string       `json:"semantic_type"`
	Content           string       `json:"content"`
	ScheduleKind      ScheduleKind `json:"schedule_kind"`
	ScheduledAt       *time.Time   `json:"scheduled_at,omitempty"`
	RecurrencePattern string       `json:"recurrence_pattern,omitempty"`
	SendMode          Mode         `json:"send_mode"`
	TemplateRef       string       `json:"template_ref,omitempty"`
	State             State        `json:"state"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	AttemptCount      int          `json:"attempt_count"`
	LastError         string       `json:"last_error,omitempty"`
	NextAttemptAt     *time.Time   `json:"next_attempt_at,omitempty"`
	ClaimedAt         *time.Time   `json:"-"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	TerminalAt        *time.Time   `json:"terminal_at,omitempty"`
	Version           int          `json:"version"`
}

// Transition is one audit row appended for every state change.
type Transition struct {
	MessageID uuid.UUID `json:"message_id"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
