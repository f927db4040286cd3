// Package window tracks the per-contact free-messaging session that decides
// whether outbound messages may be sent as plain text.
package window

import (
	"strings"
	"time"

	"github.com/wolfman30/coaching-engine/internal/apperr"
)

// DefaultDuration is the session length when an event carries no expiry.
const DefaultDuration = 24 * time.Hour

// Origin records who opened a conversation window.
type Origin string

const (
	OriginContact  Origin = "contact_initiated"
	OriginBusiness Origin = "business_initiated"
)

// ParseOrigin normalizes provider origin labels. Provider conversation
// categories opened by the contact (user_initiated, service, referral
// conversions) map to contact-initiated; paid categories map to business.
func ParseOrigin(raw string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "contact_initiated", "contact-initiated", "user_initiated", "customer_initiated", "service", "referral_conversion":
		return OriginContact, nil
	case "business_initiated", "business-initiated", "marketing", "utility", "authentication":
		return OriginBusiness, nil
	}
	return "", apperr.Invalid("origin", "unknown origin type "+raw)
}

// Window is one conversation window row.
type Window struct {
	ID        int64
	ContactID string
	SessionID string
	Origin    Origin
	OpenedAt  time.Time
	ExpiresAt time.Time
	Active    bool
	UpdatedAt time.Time
}

// OpenAt reports whether the window allows free-form sends at t.
func (w *Window) OpenAt(t time.Time) bool {
	return w != nil && w.Active && w.Origin == OriginContact && !t.After(w.ExpiresAt)
}

// SessionEvent is a normalized session-status event.
type SessionEvent struct {
	ContactID string
	SessionID string
	Origin    Origin
	OpenedAt  time.Time
	ExpiresAt time.Time
}

func (e SessionEvent) validate() error {
	if strings.TrimSpace(e.ContactID) == "" {
		return apperr.Invalid("contact_id", "is required")
	}
	if e.Origin != OriginContact && e.Origin != OriginBusiness {
		return apperr.Invalid("origin", "unknown origin type "+string(e.Origin))
	}
	if e.OpenedAt.IsZero() {
		return apperr.Invalid("opened_at", "is required")
	}
	if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(e.OpenedAt) {
		return apperr.Invalid("expires_at", "precedes opened_at")
	}
	return nil
}

// Status is the read model returned by Tracker.Status.
type Status struct {
	Eligible  bool       `json:"eligible"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Origin    Origin     `json:"origin,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
}
