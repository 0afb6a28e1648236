package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/draftea/user-mail-saga/saga-service/application"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SagaHandlers contains saga HTTP handlers
type SagaHandlers struct {
	getSaga *application.GetSaga
}

// NewSagaHandlers creates new saga handlers
func NewSagaHandlers(getSaga *application.GetSaga) *SagaHandlers {
	return &SagaHandlers{getSaga: getSaga}
}

// GetSaga handles saga retrieval requests
func (h *SagaHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	response, err := h.getSaga.Execute(r.Context(), &application.GetSagaQuery{Email: email})
	if err != nil {
		if errors.Is(err, application.ErrSagaNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("email", email).Msg("Failed to get saga")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode saga response")
	}
}

// RegisterRoutes registers saga routes
func (h *SagaHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/sagas", func(r chi.Router) {
		r.Get("/{email}", h.GetSaga)
	})
}
