package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/config"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/model"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/repository"
	"github.com/vasapolrittideah/session-manager/shared/auth"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// SessionUsecase defines the lifecycle of ephemeral sessions held by web and API clients.
//
// A token is valid exactly while its secret entry exists, so revocation is the deletion
// of that entry. Grant changes are propagated lazily: non-mobile tokens are flagged with
// a replacement payload and stay valid until their holder exchanges them (or they expire),
// mobile tokens are revoked.
type SessionUsecase interface {
	session.Manager
	session.Refresher

	// Issue signs payload with a fresh secret and records the token.
	Issue(ctx context.Context, payload model.Payload) (string, error)

	// Verify resolves token to its payload or fails with session.ErrUnauthenticated.
	Verify(ctx context.Context, token string) (*model.Payload, error)

	// MarkForRefresh flags token so that its holder exchanges it for one carrying payload.
	MarkForRefresh(ctx context.Context, token string, payload model.Payload) error

	// CheckRefresh returns the pending replacement payload of token, or nil. An
	// unreadable entry is discarded.
	CheckRefresh(ctx context.Context, token string) (*model.Payload, error)

	// Rotate revokes oldToken and issues a token for payload. The two steps are not atomic.
	Rotate(ctx context.Context, oldToken string, payload model.Payload) (string, error)

	// ListActive returns the tokens recorded for a user. Entries may already be expired.
	ListActive(ctx context.Context, userID int64) ([]string, error)
}

// SessionKeyspaces groups the three independent keyspaces backing ephemeral sessions.
type SessionKeyspaces struct {
	// Secrets maps token -> secret, expiring with the token.
	Secrets repository.Keyspace
	// UserTokens maps user id -> list of issued tokens.
	UserTokens repository.Keyspace
	// PendingRefresh maps token -> serialized replacement payload.
	PendingRefresh repository.Keyspace
}

type sessionUsecase struct {
	keyspaces         SessionKeyspaces
	signer            auth.TokenSigner
	inspector         auth.TokenInspector
	logger            *zerolog.Logger
	sessionServiceCfg *config.SessionServiceConfig
}

// NewSessionUsecase creates a new instance of SessionUsecase.
func NewSessionUsecase(
	keyspaces SessionKeyspaces,
	signer auth.TokenSigner,
	inspector auth.TokenInspector,
	logger *zerolog.Logger,
	sessionServiceCfg *config.SessionServiceConfig,
) SessionUsecase {
	return &sessionUsecase{
		keyspaces:         keyspaces,
		signer:            signer,
		inspector:         inspector,
		logger:            logger,
		sessionServiceCfg: sessionServiceCfg,
	}
}

func (u *sessionUsecase) Issue(ctx context.Context, payload model.Payload) (string, error) {
	ttl := u.expiration(payload)

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	token, err := u.signer.Sign(&model.SessionClaims{Payload: payload}, secret, ttl)
	if err != nil {
		return "", err
	}

	if err := u.keyspaces.Secrets.Set(ctx, token, secret, ttl); err != nil {
		return "", u.storeError("store token secret", err)
	}

	if err := u.keyspaces.UserTokens.ListAppend(ctx, userKey(payload.UserID), token); err != nil {
		// An unindexed token would never see grant changes.
		if delErr := u.keyspaces.Secrets.Del(ctx, token); delErr != nil {
			u.logger.Error().Err(delErr).Str("token", session.MaskToken(token)).Msg("failed to discard unindexed token")
		}
		return "", u.storeError("index user token", err)
	}

	return token, nil
}

func (u *sessionUsecase) expiration(payload model.Payload) time.Duration {
	if payload.Persistent {
		return u.sessionServiceCfg.Token.LongExpiration
	}
	return u.sessionServiceCfg.Token.ShortExpiration
}

func (u *sessionUsecase) Verify(ctx context.Context, token string) (*model.Payload, error) {
	claims, err := u.verifyClaims(ctx, token)
	if err != nil {
		return nil, err
	}

	return &claims.Payload, nil
}

func (u *sessionUsecase) verifyClaims(ctx context.Context, token string) (*model.SessionClaims, error) {
	if token == "" {
		return nil, session.ErrUnauthenticated
	}

	secret, err := u.keyspaces.Secrets.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return nil, session.ErrUnauthenticated
		}
		return nil, u.storeError("get token secret", err)
	}

	var claims model.SessionClaims
	if err := u.signer.Verify(token, secret, &claims); err != nil {
		u.logger.Debug().Err(err).Str("token", session.MaskToken(token)).Msg("token verification failed")
		return nil, session.ErrUnauthenticated
	}

	return &claims, nil
}

func (u *sessionUsecase) Authenticate(ctx context.Context, token string) (*session.Principal, error) {
	claims, err := u.verifyClaims(ctx, token)
	if err != nil {
		return nil, err
	}

	principal := claims.Principal()
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}

	return principal, nil
}

func (u *sessionUsecase) MarkForRefresh(ctx context.Context, token string, payload model.Payload) error {
	ttl := u.sessionServiceCfg.Token.LongExpiration

	var claims model.SessionClaims
	if u.inspector.DecodeUnsafe(token, &claims) && claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}

	return u.setPending(ctx, token, payload, ttl)
}

func (u *sessionUsecase) setPending(ctx context.Context, token string, payload model.Payload, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := u.keyspaces.PendingRefresh.Set(ctx, token, string(data), ttl); err != nil {
		return u.storeError("mark token for refresh", err)
	}

	return nil
}

func (u *sessionUsecase) CheckRefresh(ctx context.Context, token string) (*model.Payload, error) {
	if token == "" {
		return nil, nil
	}

	data, err := u.keyspaces.PendingRefresh.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, u.storeError("get pending refresh", err)
	}

	var payload model.Payload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		u.logger.Warn().Err(err).Str("token", session.MaskToken(token)).Msg("discarding unreadable pending refresh entry")
		if err := u.keyspaces.PendingRefresh.Del(ctx, token); err != nil {
			return nil, u.storeError("discard pending refresh", err)
		}
		return nil, nil
	}

	return &payload, nil
}

func (u *sessionUsecase) RefreshIfPending(ctx context.Context, token string) (string, *session.Principal, error) {
	payload, err := u.CheckRefresh(ctx, token)
	if err != nil || payload == nil {
		return "", nil, err
	}

	issuedAt := time.Now()
	newToken, err := u.Rotate(ctx, token, *payload)
	if err != nil {
		return "", nil, err
	}

	principal := payload.Principal()
	principal.ExpiresAt = issuedAt.Add(u.expiration(*payload))

	return newToken, principal, nil
}

func (u *sessionUsecase) Rotate(ctx context.Context, oldToken string, payload model.Payload) (string, error) {
	if err := u.Revoke(ctx, oldToken); err != nil {
		return "", err
	}

	return u.Issue(ctx, payload)
}

func (u *sessionUsecase) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	if err := u.keyspaces.Secrets.Del(ctx, token); err != nil {
		return u.storeError("delete token secret", err)
	}

	var claims model.SessionClaims
	if u.inspector.DecodeUnsafe(token, &claims) {
		if err := u.keyspaces.UserTokens.ListRemove(ctx, userKey(claims.UserID), token); err != nil {
			return u.storeError("unindex user token", err)
		}
	}

	if err := u.keyspaces.PendingRefresh.Del(ctx, token); err != nil {
		return u.storeError("delete pending refresh", err)
	}

	return nil
}

func (u *sessionUsecase) ListActive(ctx context.Context, userID int64) ([]string, error) {
	tokens, err := u.keyspaces.UserTokens.ListRange(ctx, userKey(userID))
	if err != nil {
		return nil, u.storeError("list user tokens", err)
	}

	return tokens, nil
}

type grantOutcome int

const (
	grantUnchanged grantOutcome = iota
	grantPruned
	grantRevoked
	grantMarkedForRefresh
)

func (u *sessionUsecase) UpdateUserGrants(
	ctx context.Context,
	userID int64,
	grants []string,
) (session.PropagationResult, error) {
	tokens, err := u.ListActive(ctx, userID)
	if err != nil {
		return session.PropagationResult{}, err
	}

	var (
		mu       sync.Mutex
		result   = session.PropagationResult{Candidates: len(tokens)}
		failures []session.TokenFailure
	)

	g := new(errgroup.Group)
	g.SetLimit(max(u.sessionServiceCfg.Grants.PropagationConcurrency, 1))

	for _, token := range tokens {
		g.Go(func() error {
			outcome, err := u.propagateGrants(ctx, userID, token, grants)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				u.logger.Warn().Err(err).Int64("user_id", userID).Str("token", session.MaskToken(token)).
					Msg("failed to propagate grants to token")
				failures = append(failures, session.TokenFailure{Token: token, Err: err})
				result.Failed++
				return nil
			}

			switch outcome {
			case grantUnchanged:
				result.Unchanged++
			case grantPruned:
				result.Pruned++
			case grantRevoked:
				result.Revoked++
			case grantMarkedForRefresh:
				result.MarkedForRefresh++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return result, &session.PartialFailureError{UserID: userID, Failures: failures}
	}

	return result, nil
}

// propagateGrants decides on a single candidate using its unverified contents. A token
// that cannot be decoded or has passed its expiry is dropped from the user index.
func (u *sessionUsecase) propagateGrants(
	ctx context.Context,
	userID int64,
	token string,
	grants []string,
) (grantOutcome, error) {
	var claims model.SessionClaims
	if !u.inspector.DecodeUnsafe(token, &claims) || claims.ExpiresAt == nil {
		return grantPruned, u.prune(ctx, userID, token)
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return grantPruned, u.prune(ctx, userID, token)
	}

	if session.GrantsEqual(claims.Grants, grants) {
		return grantUnchanged, nil
	}

	if claims.Source == model.SourceMobile {
		return grantRevoked, u.Revoke(ctx, token)
	}

	payload := claims.Payload
	payload.Grants = slices.Clone(grants)

	return grantMarkedForRefresh, u.setPending(ctx, token, payload, ttl)
}

func (u *sessionUsecase) prune(ctx context.Context, userID int64, token string) error {
	if err := u.keyspaces.UserTokens.ListRemove(ctx, userKey(userID), token); err != nil {
		return u.storeError("prune user token", err)
	}
	return nil
}

func (u *sessionUsecase) storeError(op string, err error) error {
	u.logger.Error().Err(err).Str("op", op).Msg("session store operation failed")
	return session.NewStoreError(op, err)
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
