package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/boxing-coach/backend/internal/checkout"
	"github.com/PortNumber53/boxing-coach/backend/internal/recovery"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	DeclineCode string `json:"declineCode,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "http").Msg("failed to encode response")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps err to a status code and a message that is safe to show.
// Internal detail is logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := log.With().Str("component", "http").Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).Logger()

	var declined *checkout.DeclinedError
	switch {
	case errors.As(err, &declined):
		logger.Info().Str("code", declined.Code).Str("decline_code", declined.DeclineCode).Msg("payment declined")
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:       checkout.PublicMessage(err),
			Code:        declined.Code,
			DeclineCode: declined.DeclineCode,
		})
	case errors.Is(err, checkout.ErrValidation):
		logger.Debug().Err(err).Msg("rejected request")
		writeMessage(w, http.StatusBadRequest, checkout.PublicMessage(err))
	case errors.Is(err, recovery.ErrInvalidCart):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, checkout.ErrNotFound):
		logger.Info().Err(err).Msg("not found")
		writeMessage(w, http.StatusNotFound, checkout.PublicMessage(err))
	default:
		logger.Error().Err(err).Msg("request failed")
		msg := "internal server error"
		if errors.Is(err, checkout.ErrServer) {
			msg = checkout.PublicMessage(err)
		}
		writeMessage(w, http.StatusInternalServerError, msg)
	}
}

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return false
	}
	return true
}
