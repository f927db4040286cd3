// Package events ingests provider webhooks and routes them to the window
// tracker and the delivery state machine.
package events

import (
	"strings"
	"time"

	"github.com/wolfman30/coaching-engine/internal/apperr"
)

// Kind classifies an inbound event.
type Kind string

const (
	KindSessionStatus  Kind = "session_status"
	KindDeliveryStatus Kind = "delivery_status"
)

// ParseKind accepts the stored names plus their hyphenated forms.
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "session_status", "session-status", "session":
		return KindSessionStatus, true
	case "delivery_status", "delivery-status", "status":
		return KindDeliveryStatus, true
	}
	return "", false
}

// Default event sources, used as the dedupe namespace.
const (
	SourceWhatsApp   = "whatsapp"
	SourceNormalized = "events"
)

// SessionPayload carries a session-status update.
type SessionPayload struct {
	SessionID string     `json:"session_id,omitempty"`
	Origin    string     `json:"origin"`
	OpenedAt  time.Time  `json:"opened_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StatusPayload carries a delivery-status update for an outbound message.
type StatusPayload struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
}

// InboundEvent is a provider event after translation.
type InboundEvent struct {
	ProviderEventID string          `json:"id"`
	Source          string          `json:"source,omitempty"`
	Kind            Kind            `json:"kind"`
	ContactID       string          `json:"contact_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ReceivedAt      time.Time       `json:"received_at"`
	Session         *SessionPayload `json:"session,omitempty"`
	Status          *StatusPayload  `json:"status,omitempty"`
}

func (e InboundEvent) source() string {
	if e.Source == "" {
		return SourceWhatsApp
	}
	return e.Source
}

func (e InboundEvent) validate() error {
	if strings.TrimSpace(e.ProviderEventID) == "" {
		return apperr.Invalid("id", "is required")
	}
	if strings.TrimSpace(e.ContactID) == "" {
		return apperr.Invalid("contact_id", "is required")
	}
	switch e.Kind {
	case KindSessionStatus:
		if e.Session == nil {
			return apperr.Invalid("session", "is required for session events")
		}
		if e.Session.OpenedAt.IsZero() && e.OccurredAt.IsZero() {
			return apperr.Invalid("occurred_at", "is required")
		}
	case KindDeliveryStatus:
		if e.Status == nil || strings.TrimSpace(e.Status.ProviderMessageID) == "" {
			return apperr.Invalid("status.provider_message_id", "is required")
		}
		if strings.TrimSpace(e.Status.Status) == "" {
			return apperr.Invalid("status.status", "is required")
		}
	default:
		return apperr.Invalid("kind", "unknown event kind "+string(e.Kind))
	}
	return nil
}

// Outcome is the result of ingesting one event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// Err maps non-fatal outcomes to their sentinel errors.
func (o Outcome) Err() error {
	switch o {
	case OutcomeDuplicate:
		return apperr.ErrDuplicateEvent
	case OutcomeUnmatched:
		return apperr.ErrUnmatchedEvent
	}
	return nil
}
