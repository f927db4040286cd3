package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfman30/coaching-engine/internal/apperr"
)

// Envelope is the normalized webhook body: {"events": [...]}.
type Envelope struct {
	Events []InboundEvent `json:"events"`
}

// DecodeEnvelope parses a normalized batch. Events without a source are
// namespaced under SourceNormalized for dedupe.
func DecodeEnvelope(body []byte, receivedAt time.Time) ([]InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Invalid("body", fmt.Sprintf("malformed event envelope: %v", err))
	}
	if len(env.Events) == 0 {
		return nil, apperr.Invalid("events", "must not be empty")
	}
	for i := range env.Events {
		if env.Events[i].Source == "" {
			env.Events[i].Source = SourceNormalized
		}
		if env.Events[i].ReceivedAt.IsZero() {
			env.Events[i].ReceivedAt = receivedAt.UTC()
		}
	}
	return env.Events, nil
}
