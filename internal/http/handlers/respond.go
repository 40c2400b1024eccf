package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/model"
)

// respondJSON writes v as a JSON body with the given status.
func respondJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.Ctx(r.Context())
		logger.Debug().Err(err).Msg("failed to encode response")
	}
}

// respondWithError sends a JSON error response.
func respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	respondJSON(w, r, statusCode, map[string]string{"error": message})
}

// respondWithDomainError maps a domain error to its status code. Unexpected
// errors are logged and answered with fallback.
func respondWithDomainError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		respondWithError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrUnauthorized):
		respondWithError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrNotFound):
		respondWithError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidSession):
		respondWithError(w, r, http.StatusConflict, err.Error())
	default:
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg(fallback)
		respondWithError(w, r, http.StatusInternalServerError, fallback)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", model.ErrValidation)
	}
	return nil
}
