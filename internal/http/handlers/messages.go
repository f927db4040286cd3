package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/coaching-engine/internal/delivery"
	"github.com/wolfman30/coaching-engine/internal/engine"
	"github.com/wolfman30/coaching-engine/internal/templates"
	"github.com/wolfman30/coaching-engine/internal/window"
	"github.com/wolfman30/coaching-engine/pkg/logging"
)

type messageEngine interface {
	ScheduleMessage(ctx context.Context, req engine.ScheduleRequest) (*delivery.Message, error)
	CancelMessage(ctx context.Context, id uuid.UUID) (engine.CancelResult, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*delivery.Message, error)
	GetMessageHistory(ctx context.Context, contactID string) ([]delivery.Message, error)
	GetConversationStatus(ctx context.Context, contactID string) (window.Status, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]delivery.Transition, error)
}

// MessagesHandler serves the message scheduling API.
type MessagesHandler struct {
	engine messageEngine
	logger *logging.Logger
}

func NewMessagesHandler(eng messageEngine, logger *logging.Logger) *MessagesHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &MessagesHandler{engine: eng, logger: logger}
}

type scheduleResponse struct {
	ID    uuid.UUID      `json:"id"`
	State delivery.State `json:"state"`
	Error string         `json:"error,omitempty"`
}

// Schedule handles POST /api/messages.
func (h *MessagesHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req engine.ScheduleRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	msg, err := h.engine.ScheduleMessage(r.Context(), req)
	if err != nil {
		if msg != nil && errors.Is(err, templates.ErrNoTemplateMapping) {
			writeJSON(w, http.StatusUnprocessableEntity, scheduleResponse{ID: msg.ID, State: msg.State, Error: err.Error()})
			return
		}
		if !isClientError(err) {
			h.logger.Error("schedule message failed", "error", err, "contact_id", req.ContactID)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{ID: msg.ID, State: msg.State})
}

// Get handles GET /api/messages/{id}.
func (h *MessagesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	msg, err := h.engine.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Cancel handles POST /api/messages/{id}/cancel.
func (h *MessagesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	res, err := h.engine.CancelMessage(r.Context(), id)
	if err != nil {
		if !isClientError(err) {
			h.logger.Error("cancel message failed", "error", err, "message_id", id)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Transitions handles GET /api/messages/{id}/transitions.
func (h *MessagesHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	trs, err := h.engine.Transitions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": trs})
}

// History handles GET /api/contacts/{contactID}/messages.
func (h *MessagesHandler) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.engine.GetMessageHistory(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ConversationStatus handles GET /api/contacts/{contactID}/conversation.
func (h *MessagesHandler) ConversationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.GetConversationStatus(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		if !isClientError(err) {
			h.logger.Error("conversation status failed", "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func messageID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid message id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
