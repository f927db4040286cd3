package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/coaching-engine/internal/apperr"
	"github.com/wolfman30/coaching-engine/internal/templates"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, apperr.ErrNotFound):
		jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, templates.ErrNoTemplateMapping):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, apperr.ErrConcurrencyConflict):
		jsonError(w, "concurrent update, retry", http.StatusConflict)
	default:
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func isClientError(err error) bool {
	return apperr.IsValidation(err) || errors.Is(err, apperr.ErrNotFound) || errors.Is(err, templates.ErrNoTemplateMapping)
}
