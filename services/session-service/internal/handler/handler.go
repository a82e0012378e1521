package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/payload"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/usecase"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

const maxBodyBytes = 1 << 20

// SessionHTTPHandler serves the HTTP API over both session managers.
type SessionHTTPHandler struct {
	sessionUsecase       usecase.SessionUsecase
	deviceSessionUsecase usecase.DeviceSessionUsecase
	validator            *requestValidator
	metrics              *metrics.Metrics
	logger               *zerolog.Logger
}

// NewSessionHTTPHandler creates a new SessionHTTPHandler.
func NewSessionHTTPHandler(
	sessionUsecase usecase.SessionUsecase,
	deviceSessionUsecase usecase.DeviceSessionUsecase,
	metrics *metrics.Metrics,
	logger *zerolog.Logger,
) (*SessionHTTPHandler, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	return &SessionHTTPHandler{
		sessionUsecase:       sessionUsecase,
		deviceSessionUsecase: deviceSessionUsecase,
		validator:            validator,
		metrics:              metrics,
		logger:               logger,
	}, nil
}

// decode reads a JSON body into dst and validates it. It writes the 400 response
// itself and reports whether the handler may continue.
func (h *SessionHTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, payload.ErrorResponse{Error: "invalid request body"})
		return false
	}

	if fields := h.validator.Struct(dst); fields != nil {
		writeJSON(w, http.StatusBadRequest, payload.ErrorResponse{Error: "validation failed", Fields: fields})
		return false
	}

	return true
}

func (h *SessionHTTPHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, payload.ErrorResponse{Error: "invalid or expired session"})
	case errors.Is(err, session.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, payload.ErrorResponse{Error: "insufficient permissions"})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, payload.ErrorResponse{Error: "session not found"})
	case errors.Is(err, session.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, payload.ErrorResponse{Error: "session store unavailable"})
	default:
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, payload.ErrorResponse{Error: "something went wrong"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toPropagationSummary(result session.PropagationResult) payload.PropagationSummary {
	return payload.PropagationSummary(result)
}
