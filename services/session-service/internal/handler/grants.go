package handler

import (
	"context"
	"errors"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/usecase"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// grantPropagation is the outcome of pushing a grant set to both session flavors.
// A flavor error is either a *session.PartialFailureError or a failure that stopped
// the pass before any session of that flavor was visited.
type grantPropagation struct {
	ephemeral    session.PropagationResult
	device       session.PropagationResult
	ephemeralErr error
	deviceErr    error
}

func (p grantPropagation) total() session.PropagationResult {
	total := p.ephemeral
	total.Add(p.device)
	return total
}

func (p grantPropagation) complete() bool {
	return p.ephemeralErr == nil && p.deviceErr == nil
}

// propagateUserGrants visits ephemeral sessions first. When that pass fails outright
// the error is returned and device sessions are left untouched, so a failed call
// never applies the change to one flavor only.
func propagateUserGrants(
	ctx context.Context,
	sessionUsecase usecase.SessionUsecase,
	deviceSessionUsecase usecase.DeviceSessionUsecase,
	m *metrics.Metrics,
	userID int64,
	grants []string,
) (grantPropagation, error) {
	var p grantPropagation

	p.ephemeral, p.ephemeralErr = sessionUsecase.UpdateUserGrants(ctx, userID, grants)
	if p.ephemeralErr != nil && !errors.Is(p.ephemeralErr, session.ErrPartialFailure) {
		return p, p.ephemeralErr
	}
	m.ObservePropagation(metrics.FlavorEphemeral, p.ephemeral)

	p.device, p.deviceErr = deviceSessionUsecase.UpdateUserGrants(ctx, userID, grants)
	m.ObservePropagation(metrics.FlavorDevice, p.device)

	return p, nil
}

// flavorErrorMessage describes a per-flavor propagation error for API responses.
func flavorErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrPartialFailure):
		return "some sessions could not be updated"
	case errors.Is(err, session.ErrStoreUnavailable):
		return "session store unavailable"
	default:
		return "something went wrong"
	}
}

func (p grantPropagation) errorMessages() map[string]string {
	if p.complete() {
		return nil
	}

	messages := make(map[string]string, 2)
	if p.ephemeralErr != nil {
		messages[string(metrics.FlavorEphemeral)] = flavorErrorMessage(p.ephemeralErr)
	}
	if p.deviceErr != nil {
		messages[string(metrics.FlavorDevice)] = flavorErrorMessage(p.deviceErr)
	}
	return messages
}
