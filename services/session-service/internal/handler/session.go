package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/model"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/payload"
	"github.com/vasapolrittideah/session-manager/shared/middleware"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// IssueSession handles POST /v1/sessions.
func (h *SessionHTTPHandler) IssueSession(w http.ResponseWriter, r *http.Request) {
	var req payload.IssueSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	grants := req.Grants
	if grants == nil {
		grants = []string{}
	}

	token, err := h.sessionUsecase.Issue(r.Context(), model.Payload{
		UserID:        req.UserID,
		CustomerID:    req.CustomerID,
		PbxID:         req.PbxID,
		Grants:        grants,
		Persistent:    req.Persistent,
		PbxSupplier:   req.PbxSupplier,
		ApplicationID: req.ApplicationID,
		Source:        model.Source(req.Source),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.metrics.SessionsIssuedTotal.WithLabelValues(string(metrics.FlavorEphemeral)).Inc()
	writeJSON(w, http.StatusCreated, payload.IssueSessionResponse{Token: token})
}

// CurrentSession handles GET /v1/sessions/me.
func (h *SessionHTTPHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		h.respondError(w, r, session.ErrUnauthenticated)
		return
	}

	writeJSON(w, http.StatusOK, payload.SessionResponse{
		UserID:        principal.UserID,
		CustomerID:    principal.CustomerID,
		PbxID:         principal.PbxID,
		PbxSupplier:   principal.PbxSupplier,
		ApplicationID: principal.ApplicationID,
		Grants:        principal.Grants,
		Features:      principal.Features,
	})
}

// RevokeCurrentSession handles DELETE /v1/sessions/me.
func (h *SessionHTTPHandler) RevokeCurrentSession(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		h.respondError(w, r, session.ErrUnauthenticated)
		return
	}

	if err := h.sessionUsecase.Revoke(r.Context(), token); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.metrics.SessionsRevokedTotal.WithLabelValues(string(metrics.FlavorEphemeral)).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// ListUserSessions handles GET /v1/users/{userID}/sessions. The tokens are candidates
// and may already be expired; they are returned masked.
func (h *SessionHTTPHandler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	tokens, err := h.sessionUsecase.ListActive(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, payload.ListSessionsResponse{
		Count:        len(tokens),
		MaskedTokens: maskTokens(tokens),
	})
}

// UpdateUserGrants handles PUT /v1/users/{userID}/grants. Once the ephemeral pass has
// run, any flavor error answers 207 with the counts and error of each flavor.
func (h *SessionHTTPHandler) UpdateUserGrants(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var req payload.UpdateGrantsRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := propagateUserGrants(
		r.Context(), h.sessionUsecase, h.deviceSessionUsecase, h.metrics, userID, req.Grants,
	)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if !result.complete() {
		h.logger.Warn().
			AnErr("ephemeral", result.ephemeralErr).
			AnErr("device", result.deviceErr).
			Int64("user_id", userID).
			Msg("grant propagation incomplete")
		status = http.StatusMultiStatus
	}

	writeJSON(w, status, payload.UpdateGrantsResponse{
		Ephemeral: toPropagationSummary(result.ephemeral),
		Device:    toPropagationSummary(result.device),
		Total:     toPropagationSummary(result.total()),
		Errors:    result.errorMessages(),
	})
}

func maskTokens(tokens []string) []string {
	masked := make([]string, 0, len(tokens))
	for _, token := range tokens {
		masked = append(masked, session.MaskToken(token))
	}
	return masked
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusBadRequest, payload.ErrorResponse{Error: "invalid user id"})
		return 0, false
	}
	return userID, true
}
