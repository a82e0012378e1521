package handler

import (
	"errors"
	"net/http"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/model"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/payload"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/usecase"
	"github.com/vasapolrittideah/session-manager/shared/middleware"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// CreateDeviceSession handles POST /v1/devices/sessions.
func (h *SessionHTTPHandler) CreateDeviceSession(w http.ResponseWriter, r *http.Request) {
	var req payload.NewDeviceSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := h.deviceSessionUsecase.StoreNewSession(r.Context(), usecase.NewDeviceSessionParams{
		UserID:        req.UserID,
		CustomerID:    req.CustomerID,
		PbxID:         req.PbxID,
		PbxSupplier:   req.PbxSupplier,
		ApplicationID: req.ApplicationID,
		Grants:        req.Grants,
		Features:      req.Features,
		OS:            model.OS(req.OS),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.metrics.SessionsIssuedTotal.WithLabelValues(string(metrics.FlavorDevice)).Inc()
	writeJSON(w, http.StatusCreated, payload.DeviceTokensResponse{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
	})
}

// RefreshDeviceSession handles POST /v1/devices/sessions/refresh.
func (h *SessionHTTPHandler) RefreshDeviceSession(w http.ResponseWriter, r *http.Request) {
	var req payload.RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := h.deviceSessionUsecase.UpdateDeviceSession(r.Context(), req.RefreshToken)
	if err != nil {
		// An unknown refresh token is a failed credential, not a missing resource.
		if errors.Is(err, session.ErrNotFound) {
			err = session.ErrUnauthenticated
		}
		h.respondError(w, r, err)
		return
	}

	h.metrics.TokenRefreshesTotal.WithLabelValues(string(metrics.FlavorDevice)).Inc()
	writeJSON(w, http.StatusOK, payload.DeviceTokensResponse{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
	})
}

// DeleteDeviceSession handles DELETE /v1/devices/sessions. Logging out twice is not an error.
func (h *SessionHTTPHandler) DeleteDeviceSession(w http.ResponseWriter, r *http.Request) {
	var req payload.RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	deleted, err := h.deviceSessionUsecase.RemoveToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if deleted > 0 {
		h.metrics.SessionsRevokedTotal.WithLabelValues(string(metrics.FlavorDevice)).Add(float64(deleted))
	}
	w.WriteHeader(http.StatusNoContent)
}

// CurrentDeviceSession handles GET /v1/devices/sessions/me.
func (h *SessionHTTPHandler) CurrentDeviceSession(w http.ResponseWriter, r *http.Request) {
	record, ok := h.currentDeviceSession(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, payload.DeviceSessionResponse{
		UserID:        record.UserID,
		CustomerID:    record.CustomerID,
		PbxID:         record.PbxID,
		PbxSupplier:   record.PbxSupplier,
		ApplicationID: record.ApplicationID,
		Grants:        record.Grants,
		Features:      record.Features,
		OS:            string(record.OS),
		UserAgent:     record.UserAgent,
		HasGCMToken:   record.GCMToken != "",
		HasAPNToken:   record.APNToken != nil,
		HasVoipToken:  record.APNVoipToken != nil,
		CreatedAt:     record.CreatedAt,
		LastSeenAt:    record.LastSeenAt,
		RefreshedAt:   record.RefreshedAt,
		RefreshCount:  record.RefreshCount,
	})
}

// RegisterAPNToken handles PUT /v1/devices/push/apn.
func (h *SessionHTTPHandler) RegisterAPNToken(w http.ResponseWriter, r *http.Request) {
	var req payload.RegisterAPNTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, ok := h.currentDeviceSession(w, r)
	if !ok {
		return
	}

	err := h.deviceSessionUsecase.UpdateAPNToken(r.Context(), record, usecase.APNTokenParams{
		Token:     req.Token,
		IsSandbox: req.IsSandbox,
		IsVoip:    req.IsVoip,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RegisterGCMToken handles PUT /v1/devices/push/gcm.
func (h *SessionHTTPHandler) RegisterGCMToken(w http.ResponseWriter, r *http.Request) {
	var req payload.RegisterGCMTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, ok := h.currentDeviceSession(w, r)
	if !ok {
		return
	}

	if err := h.deviceSessionUsecase.UpdateGCMToken(r.Context(), record, req.Token); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// currentDeviceSession loads the full record behind the token the device middleware accepted.
func (h *SessionHTTPHandler) currentDeviceSession(w http.ResponseWriter, r *http.Request) (*model.DeviceSession, bool) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		h.respondError(w, r, session.ErrUnauthenticated)
		return nil, false
	}

	record, err := h.deviceSessionUsecase.GetSession(r.Context(), token)
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}

	return record, true
}
