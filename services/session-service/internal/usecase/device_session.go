package usecase

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/config"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/model"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/repository"
	"github.com/vasapolrittideah/session-manager/shared/auth"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// DeviceSessionUsecase defines the lifecycle of durable sessions held by mobile devices.
//
// The access token signs an empty claim with the record's refresh token as secret. All
// authorization data lives on the record, so a token only proves possession of it.
type DeviceSessionUsecase interface {
	session.Manager

	StoreNewSession(ctx context.Context, params NewDeviceSessionParams) (*model.DeviceSession, error)

	// GetSession resolves an access token to its record or fails with session.ErrUnauthenticated.
	GetSession(ctx context.Context, accessToken string) (*model.DeviceSession, error)

	// GetSessionByRefreshToken is meant for refresh flows only. A refresh token is never an
	// access credential.
	GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*model.DeviceSession, error)

	// UpdateDeviceSession re-signs the access token of the session owning refreshToken.
	UpdateDeviceSession(ctx context.Context, refreshToken string) (*model.DeviceSession, error)

	// UpdateDeviceSessionAndGrants re-signs the access token and persists the grants and
	// features already set on record.
	UpdateDeviceSessionAndGrants(ctx context.Context, record *model.DeviceSession) (*model.DeviceSession, error)

	RemoveToken(ctx context.Context, refreshToken string) (int64, error)

	// UpdateAPNToken moves an APN token to record, stripping it from any other session.
	UpdateAPNToken(ctx context.Context, record *model.DeviceSession, params APNTokenParams) error

	// UpdateGCMToken moves a GCM token to record, stripping it from any other session.
	UpdateGCMToken(ctx context.Context, record *model.DeviceSession, token string) error
}

// NewDeviceSessionParams holds the data of a newly logged-in device.
type NewDeviceSessionParams struct {
	UserID        int64
	CustomerID    int64
	PbxID         int64
	PbxSupplier   string
	ApplicationID string
	Grants        []string
	Features      map[string]bool
	OS            model.OS
	UserAgent     string
}

// APNTokenParams describes an APN registration. IsVoip selects the VoIP push channel.
type APNTokenParams struct {
	Token     string
	IsSandbox bool
	IsVoip    bool
}

type deviceSessionUsecase struct {
	deviceSessionRepo repository.DeviceSessionRepository
	signer            auth.TokenSigner
	logger            *zerolog.Logger
	sessionServiceCfg *config.SessionServiceConfig
	now               func() time.Time
}

// NewDeviceSessionUsecase creates a new instance of DeviceSessionUsecase.
func NewDeviceSessionUsecase(
	deviceSessionRepo repository.DeviceSessionRepository,
	signer auth.TokenSigner,
	logger *zerolog.Logger,
	sessionServiceCfg *config.SessionServiceConfig,
) DeviceSessionUsecase {
	return &deviceSessionUsecase{
		deviceSessionRepo: deviceSessionRepo,
		signer:            signer,
		logger:            logger,
		sessionServiceCfg: sessionServiceCfg,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (u *deviceSessionUsecase) StoreNewSession(
	ctx context.Context,
	params NewDeviceSessionParams,
) (*model.DeviceSession, error) {
	refreshToken, err := generateSecret()
	if err != nil {
		return nil, err
	}

	accessToken, err := u.signAccessToken(refreshToken)
	if err != nil {
		return nil, err
	}

	grants := params.Grants
	if grants == nil {
		grants = []string{}
	}
	features := params.Features
	if features == nil {
		features = map[string]bool{}
	}

	now := u.now()
	record, err := u.deviceSessionRepo.CreateSession(ctx, &model.DeviceSession{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		UserID:        params.UserID,
		CustomerID:    params.CustomerID,
		PbxID:         params.PbxID,
		PbxSupplier:   params.PbxSupplier,
		ApplicationID: params.ApplicationID,
		Grants:        grants,
		Features:      features,
		OS:            params.OS,
		UserAgent:     params.UserAgent,
		CreatedAt:     now,
		LastSeenAt:    now,
	})
	if err != nil {
		return nil, u.storeError("create device session", err)
	}

	return record, nil
}

func (u *deviceSessionUsecase) GetSession(ctx context.Context, accessToken string) (*model.DeviceSession, error) {
	if accessToken == "" {
		return nil, session.ErrUnauthenticated
	}

	record, err := u.deviceSessionRepo.GetSessionByAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrUnauthenticated
		}
		return nil, u.storeError("get device session", err)
	}

	if err := u.signer.Verify(accessToken, record.RefreshToken, &model.DeviceClaims{}); err != nil {
		u.logger.Debug().Err(err).Str("token", session.MaskToken(accessToken)).Msg("device token verification failed")
		return nil, session.ErrUnauthenticated
	}

	return record, nil
}

func (u *deviceSessionUsecase) Authenticate(ctx context.Context, token string) (*session.Principal, error) {
	record, err := u.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}

	return record.Principal(), nil
}

func (u *deviceSessionUsecase) GetSessionByRefreshToken(
	ctx context.Context,
	refreshToken string,
) (*model.DeviceSession, error) {
	if refreshToken == "" {
		return nil, session.ErrNotFound
	}

	record, err := u.deviceSessionRepo.GetSessionByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, u.storeError("get device session by refresh token", err)
	}

	return record, nil
}

func (u *deviceSessionUsecase) UpdateDeviceSession(
	ctx context.Context,
	refreshToken string,
) (*model.DeviceSession, error) {
	record, err := u.GetSessionByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	return u.resign(ctx, record, repository.RecordRefreshParams{})
}

func (u *deviceSessionUsecase) UpdateDeviceSessionAndGrants(
	ctx context.Context,
	record *model.DeviceSession,
) (*model.DeviceSession, error) {
	grants := record.Grants
	if grants == nil {
		grants = []string{}
	}
	features := record.Features
	if features == nil {
		features = map[string]bool{}
	}

	return u.resign(ctx, record, repository.RecordRefreshParams{Grants: grants, Features: features})
}

// resign signs a new access token with the record's unchanged refresh token and
// records the refresh. params.AccessToken and params.RefreshedAt are filled in here.
func (u *deviceSessionUsecase) resign(
	ctx context.Context,
	record *model.DeviceSession,
	params repository.RecordRefreshParams,
) (*model.DeviceSession, error) {
	accessToken, err := u.signAccessToken(record.RefreshToken)
	if err != nil {
		return nil, err
	}

	params.AccessToken = accessToken
	params.RefreshedAt = u.now()

	updated, err := u.deviceSessionRepo.RecordRefresh(ctx, record.ID, params)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, u.storeError("record device session refresh", err)
	}

	return updated, nil
}

func (u *deviceSessionUsecase) RemoveToken(ctx context.Context, refreshToken string) (int64, error) {
	deleted, err := u.deviceSessionRepo.DeleteSessionByRefreshToken(ctx, refreshToken)
	if err != nil {
		return 0, u.storeError("delete device session", err)
	}

	return deleted, nil
}

func (u *deviceSessionUsecase) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	record, err := u.deviceSessionRepo.GetSessionByAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return u.storeError("get device session", err)
	}

	_, err = u.RemoveToken(ctx, record.RefreshToken)
	return err
}

func (u *deviceSessionUsecase) UpdateAPNToken(
	ctx context.Context,
	record *model.DeviceSession,
	params APNTokenParams,
) error {
	field := model.APNTokenField
	if params.IsVoip {
		field = model.APNVoipTokenField
	}

	if err := u.stripPushToken(ctx, field, params.Token, record); err != nil {
		return err
	}

	pushToken := &model.PushToken{Token: params.Token, IsSandbox: params.IsSandbox}
	update := repository.UpdatePushTokensParams{APNToken: pushToken}
	if params.IsVoip {
		update = repository.UpdatePushTokensParams{APNVoipToken: pushToken}
	}

	if err := u.setPushTokens(ctx, record, update); err != nil {
		return err
	}

	if params.IsVoip {
		record.APNVoipToken = pushToken
	} else {
		record.APNToken = pushToken
	}

	return nil
}

func (u *deviceSessionUsecase) UpdateGCMToken(ctx context.Context, record *model.DeviceSession, token string) error {
	if err := u.stripPushToken(ctx, model.GCMTokenField, token, record); err != nil {
		return err
	}

	if err := u.setPushTokens(ctx, record, repository.UpdatePushTokensParams{GCMToken: &token}); err != nil {
		return err
	}

	record.GCMToken = token
	return nil
}

func (u *deviceSessionUsecase) stripPushToken(
	ctx context.Context,
	field model.PushTokenField,
	token string,
	record *model.DeviceSession,
) error {
	stripped, err := u.deviceSessionRepo.UnsetPushToken(ctx, field, token, record.ID)
	if err != nil {
		return u.storeError("strip push token", err)
	}

	if stripped > 0 {
		u.logger.Info().
			Str("field", string(field)).
			Int64("sessions", stripped).
			Int64("user_id", record.UserID).
			Msg("push token moved to another device session")
	}

	return nil
}

func (u *deviceSessionUsecase) setPushTokens(
	ctx context.Context,
	record *model.DeviceSession,
	params repository.UpdatePushTokensParams,
) error {
	if err := u.deviceSessionRepo.UpdatePushTokens(ctx, record.ID, params); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return session.ErrNotFound
		}
		return u.storeError("set push token", err)
	}

	return nil
}

func (u *deviceSessionUsecase) UpdateUserGrants(
	ctx context.Context,
	userID int64,
	grants []string,
) (session.PropagationResult, error) {
	records, err := u.deviceSessionRepo.ListSessionsByUserID(ctx, userID)
	if err != nil {
		return session.PropagationResult{}, u.storeError("list device sessions", err)
	}

	var (
		mu       sync.Mutex
		result   = session.PropagationResult{Candidates: len(records)}
		failures []session.TokenFailure
	)

	g := new(errgroup.Group)
	g.SetLimit(max(u.sessionServiceCfg.Grants.PropagationConcurrency, 1))

	for _, record := range records {
		if session.GrantsEqual(record.Grants, grants) {
			mu.Lock()
			result.Unchanged++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			record.Grants = slices.Clone(grants)
			_, err := u.UpdateDeviceSessionAndGrants(ctx, record)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case errors.Is(err, session.ErrNotFound):
				// Logged out while propagating.
				result.Pruned++
			case err != nil:
				u.logger.Warn().Err(err).Int64("user_id", userID).Str("token", session.MaskToken(record.AccessToken)).
					Msg("failed to propagate grants to device session")
				failures = append(failures, session.TokenFailure{Token: record.AccessToken, Err: err})
				result.Failed++
			default:
				result.Reissued++
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

func (u *deviceSessionUsecase) signAccessToken(refreshToken string) (string, error) {
	return u.signer.Sign(&model.DeviceClaims{}, refreshToken, u.sessionServiceCfg.Token.ShortExpiration)
}

func (u *deviceSessionUsecase) storeError(op string, err error) error {
	u.logger.Error().Err(err).Str("op", op).Msg("device session store operation failed")
	return session.NewStoreError(op, err)
}
