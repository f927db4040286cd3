package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/coaching-engine/internal/contact"
	"github.com/wolfman30/coaching-engine/internal/provider/whatsapp"
	"github.com/wolfman30/coaching-engine/internal/window"
)

// FromWhatsApp translates a Cloud API webhook body into inbound events.
// Inbound contact messages become session events; statuses become delivery
// events plus a session event when they carry conversation metadata.
func FromWhatsApp(body []byte, receivedAt time.Time) ([]InboundEvent, error) {
	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("events: decode whatsapp webhook: %w", err)
	}
	receivedAt = receivedAt.UTC()

	var out []InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				if ev, ok := fromInboundMessage(msg, receivedAt); ok {
					out = append(out, ev)
				}
			}
			for _, st := range change.Value.Statuses {
				out = append(out, fromStatusUpdate(st, receivedAt)...)
			}
		}
	}
	return out, nil
}

func fromInboundMessage(msg whatsapp.InboundMessage, receivedAt time.Time) (InboundEvent, bool) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.From) == "" {
		return InboundEvent{}, false
	}
	at := parseUnix(msg.Timestamp, receivedAt)
	return InboundEvent{
		ProviderEventID: msg.ID,
		Source:          SourceWhatsApp,
		Kind:            KindSessionStatus,
		ContactID:       contact.Normalize(msg.From),
		OccurredAt:      at,
		ReceivedAt:      receivedAt,
		Session: &SessionPayload{
			Origin:   string(window.OriginContact),
			OpenedAt: at,
		},
	}, true
}

func fromStatusUpdate(st whatsapp.StatusUpdate, receivedAt time.Time) []InboundEvent {
	status := strings.ToLower(strings.TrimSpace(st.Status))
	if st.ID == "" || st.RecipientID == "" {
		return nil
	}
	at := parseUnix(st.Timestamp, receivedAt)
	recipient := contact.Normalize(st.RecipientID)

	var out []InboundEvent
	// Only statuses that report an expiration describe the window; later
	// statuses repeat the conversation id without one.
	if conv := st.Conversation; conv != nil && conv.ID != "" && conv.Origin.Type != "" {
		if expires := parseUnix(conv.ExpirationTimestamp, time.Time{}); !expires.IsZero() {
			out = append(out, InboundEvent{
				ProviderEventID: conv.ID + ":" + strings.TrimSpace(conv.ExpirationTimestamp),
				Source:          SourceWhatsApp,
				Kind:            KindSessionStatus,
				ContactID:       recipient,
				OccurredAt:      at,
				ReceivedAt:      receivedAt,
				Session: &SessionPayload{
					SessionID: conv.ID,
					Origin:    conv.Origin.Type,
					OpenedAt:  expires.Add(-window.DefaultDuration),
					ExpiresAt: &expires,
				},
			})
		}
	}

	switch status {
	case "sent", "delivered", "read", "failed":
	default:
		return out
	}
	payload := &StatusPayload{ProviderMessageID: st.ID, Status: status}
	if len(st.Errors) > 0 {
		e := st.Errors[0]
		payload.Error = strings.TrimSpace(fmt.Sprintf("%d %s", e.Code, firstNonEmpty(e.Message, e.Title)))
	}
	return append(out, InboundEvent{
		ProviderEventID: st.ID + ":" + status,
		Source:          SourceWhatsApp,
		Kind:            KindDeliveryStatus,
		ContactID:       recipient,
		OccurredAt:      at,
		ReceivedAt:      receivedAt,
		Status:          payload,
	})
}

func parseUnix(raw string, fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
