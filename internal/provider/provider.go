// Package provider defines the outbound sender contract used by dispatch.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Mode mirrors the stamped send mode of a message.
type Mode string

const (
	ModeFreeForm Mode = "free_form"
	ModeTemplate Mode = "template"
)

// Template names an approved template and its language code.
type Template struct {
	Name     string
	Language string
}

// Request is one outbound send.
type Request struct {
	MessageID string
	ContactID string
	Mode      Mode
	Content   string
	Template  *Template
}

// Result carries the provider's id for the accepted message.
type Result struct {
	ProviderMessageID string
}

// Sender delivers messages to the messaging provider.
type Sender interface {
	Send(ctx context.Context, req Request) (Result, error)
}

// Error is a provider failure with a retry classification.
type Error struct {
	Retryable  bool
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.StatusCode != 0:
		return fmt.Sprintf("provider: %s (code=%s status=%d)", e.Message, e.Code, e.StatusCode)
	case e.StatusCode != 0:
		return fmt.Sprintf("provider: %s (status=%d)", e.Message, e.StatusCode)
	}
	return "provider: " + e.Message
}

// IsRetryable reports whether a send error should be retried. Timeouts count
// as retryable; unknown errors do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
