// Package dispatch decides how each outbound message is sent and hands it to the provider.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/observability/metrics"
	"github.com/wolfman30/coaching-engine/internal/templates"
)

// EligibilityChecker reports whether a contact has an open free-form window.
type EligibilityChecker interface {
	IsFreeFormEligible(ctx context.Context, contactID string) (bool, error)
}

// TemplateLookup maps message content to an approved template.
type TemplateLookup interface {
	Lookup(semanticType, content string) (templates.Template, error)
}

// Resolution is the send mode chosen for a message.
type Resolution struct {
	Mode     delivery.Mode
	Template *templates.Template
}

// TemplateRef returns the stored template reference, empty for free-form.
func (r Resolution) TemplateRef() string {
	if r.Template == nil {
		return ""
	}
	return r.Template.Ref()
}

// Resolver picks free-form or template mode for outbound messages.
type Resolver struct {
	window  EligibilityChecker
	catalog TemplateLookup
	always  map[string]bool
	metrics *metrics.EngineMetrics
}

func NewResolver(window EligibilityChecker, catalog TemplateLookup, alwaysTemplate []string) *Resolver {
	always := make(map[string]bool, len(alwaysTemplate))
	for _, t := range alwaysTemplate {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			always[t] = true
		}
	}
	return &Resolver{window: window, catalog: catalog, always: always}
}

func (r *Resolver) WithMetrics(m *metrics.EngineMetrics) *Resolver {
	r.metrics = m
	return r
}

// AlwaysTemplate reports whether semanticType must always go out as a template.
func (r *Resolver) AlwaysTemplate(semanticType string) bool {
	return r.always[strings.ToLower(strings.TrimSpace(semanticType))]
}

// Resolve chooses the send mode. Always-template types skip the window check;
// everything else is free-form while the contact's window is open.
func (r *Resolver) Resolve(ctx context.Context, msg delivery.Message) (Resolution, error) {
	if !r.AlwaysTemplate(msg.SemanticType) {
		eligible, err := r.window.IsFreeFormEligible(ctx, msg.ContactID)
		if err != nil {
			return Resolution{}, fmt.Errorf("dispatch: resolve: %w", err)
		}
		if eligible {
			r.metrics.ObserveResolution(string(delivery.ModeFreeForm))
			return Resolution{Mode: delivery.ModeFreeForm}, nil
		}
	}
	tmpl, err := r.catalog.Lookup(msg.SemanticType, msg.Content)
	if err != nil {
		r.metrics.ObserveResolution("no_mapping")
		return Resolution{}, fmt.Errorf("dispatch: resolve: %w", err)
	}
	r.metrics.ObserveResolution(string(delivery.ModeTemplate))
	return Resolution{Mode: delivery.ModeTemplate, Template: &tmpl}, nil
}
