package provider

import (
	"context"

	"github.com/google/uuid"

	"github.com/wolfman30/coaching-engine/pkg/logging"
)

// DryRunSender logs requests instead of sending them. It backs local runs
// without provider credentials.
type DryRunSender struct {
	logger *logging.Logger
}

func NewDryRunSender(logger *logging.Logger) *DryRunSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &DryRunSender{logger: logger}
}

func (s *DryRunSender) Send(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := "dryrun." + uuid.NewString()
	attrs := []any{"message_id", req.MessageID, "contact_id", req.ContactID, "mode", req.Mode, "provider_message_id", id}
	if req.Template != nil {
		attrs = append(attrs, "template", req.Template.Name, "language", req.Template.Language)
	}
	s.logger.Info("dry-run send", attrs...)
	return Result{ProviderMessageID: id}, nil
}
