package usecase

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/model"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/repository"
	"github.com/vasapolrittideah/session-manager/shared/auth"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// memoryDeviceSessionRepository is an in-memory repository.DeviceSessionRepository.
type memoryDeviceSessionRepository struct {
	mu          sync.Mutex
	sessions    map[bson.ObjectID]*model.DeviceSession
	failRefresh map[bson.ObjectID]error
	failAll     error
}

func newMemoryDeviceSessionRepository() *memoryDeviceSessionRepository {
	return &memoryDeviceSessionRepository{
		sessions:    make(map[bson.ObjectID]*model.DeviceSession),
		failRefresh: make(map[bson.ObjectID]error),
	}
}

func cloneDeviceSession(s *model.DeviceSession) *model.DeviceSession {
	c := *s
	c.Grants = slices.Clone(s.Grants)
	c.Features = maps.Clone(s.Features)
	if s.APNToken != nil {
		t := *s.APNToken
		c.APNToken = &t
	}
	if s.APNVoipToken != nil {
		t := *s.APNVoipToken
		c.APNVoipToken = &t
	}
	return &c
}

func (r *memoryDeviceSessionRepository) CreateSession(
	_ context.Context,
	s *model.DeviceSession,
) (*model.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	s.ID = bson.NewObjectID()
	r.sessions[s.ID] = cloneDeviceSession(s)
	return s, nil
}

func (r *memoryDeviceSessionRepository) find(match func(*model.DeviceSession) bool) (*model.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	for _, s := range r.sessions {
		if match(s) {
			return cloneDeviceSession(s), nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (r *memoryDeviceSessionRepository) GetSessionByAccessToken(
	_ context.Context,
	accessToken string,
) (*model.DeviceSession, error) {
	return r.find(func(s *model.DeviceSession) bool { return s.AccessToken == accessToken })
}

func (r *memoryDeviceSessionRepository) GetSessionByRefreshToken(
	_ context.Context,
	refreshToken string,
) (*model.DeviceSession, error) {
	return r.find(func(s *model.DeviceSession) bool { return s.RefreshToken == refreshToken })
}

func (r *memoryDeviceSessionRepository) ListSessionsByUserID(
	_ context.Context,
	userID int64,
) ([]*model.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	var out []*model.DeviceSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, cloneDeviceSession(s))
		}
	}
	return out, nil
}

func (r *memoryDeviceSessionRepository) RecordRefresh(
	_ context.Context,
	id bson.ObjectID,
	params repository.RecordRefreshParams,
) (*model.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failRefresh[id]; err != nil {
		return nil, err
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	refreshedAt := params.RefreshedAt
	s.AccessToken = params.AccessToken
	s.LastSeenAt = refreshedAt
	s.RefreshedAt = &refreshedAt
	s.RefreshCount++
	if params.Grants != nil {
		s.Grants = slices.Clone(params.Grants)
	}
	if params.Features != nil {
		s.Features = maps.Clone(params.Features)
	}
	return cloneDeviceSession(s), nil
}

func (r *memoryDeviceSessionRepository) UpdatePushTokens(
	_ context.Context,
	id bson.ObjectID,
	params repository.UpdatePushTokensParams,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return mongo.ErrNoDocuments
	}
	if params.GCMToken != nil {
		s.GCMToken = *params.GCMToken
	}
	if params.APNToken != nil {
		t := *params.APNToken
		s.APNToken = &t
	}
	if params.APNVoipToken != nil {
		t := *params.APNVoipToken
		s.APNVoipToken = &t
	}
	return nil
}

func (r *memoryDeviceSessionRepository) UnsetPushToken(
	_ context.Context,
	field model.PushTokenField,
	token string,
	exceptID bson.ObjectID,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return 0, r.failAll
	}
	var modified int64
	for id, s := range r.sessions {
		if id == exceptID {
			continue
		}
		switch field {
		case model.GCMTokenField:
			if s.GCMToken == token {
				s.GCMToken = ""
				modified++
			}
		case model.APNTokenField:
			if s.APNToken != nil && s.APNToken.Token == token {
				s.APNToken = nil
				modified++
			}
		case model.APNVoipTokenField:
			if s.APNVoipToken != nil && s.APNVoipToken.Token == token {
				s.APNVoipToken = nil
				modified++
			}
		}
	}
	return modified, nil
}

func (r *memoryDeviceSessionRepository) DeleteSessionByRefreshToken(
	_ context.Context,
	refreshToken string,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return 0, r.failAll
	}
	for id, s := range r.sessions {
		if s.RefreshToken == refreshToken {
			delete(r.sessions, id)
			return 1, nil
		}
	}
	return 0, nil
}

func (r *memoryDeviceSessionRepository) get(id bson.ObjectID) *model.DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return cloneDeviceSession(s)
	}
	return nil
}

func newDeviceSessionFixture(t *testing.T) (DeviceSessionUsecase, *memoryDeviceSessionRepository) {
	t.Helper()

	cfg := newTestConfig()
	logger := zerolog.Nop()
	repo := newMemoryDeviceSessionRepository()
	codec := auth.NewJWTAuthenticator(cfg.Token.Audience, cfg.Token.Issuer)

	return NewDeviceSessionUsecase(repo, codec, &logger, cfg), repo
}

func TestDeviceSessionUsecase_StoreNewSession(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	ctx := context.Background()

	record, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, OS: model.OSiOS})
	require.NoError(t, err)

	assert.NotEmpty(t, record.AccessToken)
	assert.NotEmpty(t, record.RefreshToken)
	assert.NotEqual(t, record.AccessToken, record.RefreshToken)
	assert.Equal(t, record.CreatedAt, record.LastSeenAt)
	assert.Zero(t, record.RefreshCount)
	assert.Equal(t, []string{}, record.Grants)
	assert.NotNil(t, repo.get(record.ID))

	got, err := uc.GetSession(ctx, record.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
}

func TestDeviceSessionUsecase_GetSessionRejectsRefreshToken(t *testing.T) {
	uc, _ := newDeviceSessionFixture(t)
	ctx := context.Background()

	record, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3})
	require.NoError(t, err)

	_, err = uc.GetSession(ctx, record.RefreshToken)
	assert.ErrorIs(t, err, session.ErrUnauthenticated)

	_, err = uc.GetSession(ctx, "")
	assert.ErrorIs(t, err, session.ErrUnauthenticated)
}

func TestDeviceSessionUsecase_GetSessionVerifiesAgainstRecordSecret(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	ctx := context.Background()

	record, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3})
	require.NoError(t, err)

	repo.mu.Lock()
	repo.sessions[record.ID].RefreshToken = "rotated-elsewhere"
	repo.mu.Unlock()

	_, err = uc.GetSession(ctx, record.AccessToken)
	assert.ErrorIs(t, err, session.ErrUnauthenticated)
}

func TestDeviceSessionUsecase_GetSessionStoreUnavailable(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	repo.failAll = errors.New("server selection timeout")

	_, err := uc.GetSession(context.Background(), "token")
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, session.ErrUnauthenticated)
}

func TestDeviceSessionUsecase_UpdateDeviceSessionTwice(t *testing.T) {
	uc, _ := newDeviceSessionFixture(t)
	ctx := context.Background()

	record, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3})
	require.NoError(t, err)

	first, err := uc.UpdateDeviceSession(ctx, record.RefreshToken)
	require.NoError(t, err)
	second, err := uc.UpdateDeviceSession(ctx, record.RefreshToken)
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.RefreshCount)
	assert.Equal(t, record.RefreshToken, first.RefreshToken)
	assert.Equal(t, record.RefreshToken, second.RefreshToken)

	accessTokens := []string{record.AccessToken, first.AccessToken, second.AccessToken}
	assert.Len(t, slices.Compact(slices.Sorted(slices.Values(accessTokens))), 3)
	require.NotNil(t, second.RefreshedAt)

	_, err = uc.GetSession(ctx, record.AccessToken)
	assert.ErrorIs(t, err, session.ErrUnauthenticated)

	got, err := uc.GetSession(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
}

func TestDeviceSessionUsecase_UpdateDeviceSessionUnknown(t *testing.T) {
	uc, _ := newDeviceSessionFixture(t)

	_, err := uc.UpdateDeviceSession(context.Background(), "unknown")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeviceSessionUsecase_UpdateDeviceSessionAndGrants(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	ctx := context.Background()

	record, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, Grants: []string{"read"}})
	require.NoError(t, err)

	record.Grants = []string{"read", "write"}
	record.Features = map[string]bool{"video": true}

	updated, err := uc.UpdateDeviceSessionAndGrants(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.RefreshCount)

	stored := repo.get(record.ID)
	assert.Equal(t, []string{"read", "write"}, stored.Grants)
	assert.True(t, stored.Features["video"])
}

func TestDeviceSessionUsecase_RemoveTokenAndRevoke(t *testing.T) {
	uc, _ := newDeviceSessionFixture(t)
	ctx := context.Background()

	first, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3})
	require.NoError(t, err)
	second, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3})
	require.NoError(t, err)

	deleted, err := uc.RemoveToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = uc.RemoveToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	require.NoError(t, uc.Revoke(ctx, second.AccessToken))
	require.NoError(t, uc.Revoke(ctx, second.AccessToken))

	_, err = uc.GetSessionByRefreshToken(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeviceSessionUsecase_UpdateAPNTokenMovesToken(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	ctx := context.Background()

	r1, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, Grants: []string{}, OS: model.OSiOS})
	require.NoError(t, err)
	require.NoError(t, uc.UpdateAPNToken(ctx, r1, APNTokenParams{Token: "tok1"}))
	require.NotNil(t, repo.get(r1.ID).APNToken)

	r2, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, Grants: []string{}, OS: model.OSiOS})
	require.NoError(t, err)
	require.NoError(t, uc.UpdateAPNToken(ctx, r2, APNTokenParams{Token: "tok1", IsSandbox: true}))

	assert.Nil(t, repo.get(r1.ID).APNToken)

	stored := repo.get(r2.ID)
	require.NotNil(t, stored.APNToken)
	assert.Equal(t, "tok1", stored.APNToken.Token)
	assert.True(t, stored.APNToken.IsSandbox)
	assert.Equal(t, "tok1", r2.APNToken.Token)
}

func TestDeviceSessionUsecase_PushTokenFieldsAreIndependent(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	ctx := context.Background()

	r1, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3})
	require.NoError(t, err)
	r2, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 4})
	require.NoError(t, err)

	require.NoError(t, uc.UpdateAPNToken(ctx, r1, APNTokenParams{Token: "tok"}))
	require.NoError(t, uc.UpdateAPNToken(ctx, r2, APNTokenParams{Token: "tok", IsVoip: true}))

	assert.NotNil(t, repo.get(r1.ID).APNToken, "a voip registration leaves the regular channel alone")
	require.NotNil(t, repo.get(r2.ID).APNVoipToken)

	require.NoError(t, uc.UpdateGCMToken(ctx, r1, "gcm"))
	require.NoError(t, uc.UpdateGCMToken(ctx, r2, "gcm"))

	assert.Empty(t, repo.get(r1.ID).GCMToken)
	assert.Equal(t, "gcm", repo.get(r2.ID).GCMToken)
}

func TestDeviceSessionUsecase_UpdatePushTokenOnMissingRecord(t *testing.T) {
	uc, _ := newDeviceSessionFixture(t)

	err := uc.UpdateGCMToken(context.Background(), &model.DeviceSession{ID: bson.NewObjectID()}, "gcm")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeviceSessionUsecase_UpdateUserGrants(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	ctx := context.Background()

	stale, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, Grants: []string{"a", "b"}})
	require.NoError(t, err)
	current, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, Grants: []string{"c", "a"}})
	require.NoError(t, err)
	other, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 4, Grants: []string{"a", "b"}})
	require.NoError(t, err)

	result, err := uc.UpdateUserGrants(ctx, 3, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, session.PropagationResult{Candidates: 2, Unchanged: 1, Reissued: 1}, result)

	updated := repo.get(stale.ID)
	assert.Equal(t, []string{"a", "c"}, updated.Grants)
	assert.Equal(t, int64(1), updated.RefreshCount)
	assert.NotEqual(t, stale.AccessToken, updated.AccessToken)

	assert.Zero(t, repo.get(current.ID).RefreshCount)
	assert.Equal(t, []string{"a", "b"}, repo.get(other.ID).Grants)
}

func TestDeviceSessionUsecase_UpdateUserGrantsPartialFailure(t *testing.T) {
	uc, repo := newDeviceSessionFixture(t)
	ctx := context.Background()

	failing, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, Grants: []string{"a"}})
	require.NoError(t, err)
	ok, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3, Grants: []string{"a"}})
	require.NoError(t, err)

	repo.failRefresh[failing.ID] = errors.New("write conflict")

	result, err := uc.UpdateUserGrants(ctx, 3, []string{"b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrPartialFailure)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Reissued)
	assert.Equal(t, []string{"b"}, repo.get(ok.ID).Grants)
}

func TestDeviceSessionUsecase_Authenticate(t *testing.T) {
	uc, _ := newDeviceSessionFixture(t)
	ctx := context.Background()

	record, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{
		UserID:   3,
		Grants:   []string{"read"},
		Features: map[string]bool{"video": true},
	})
	require.NoError(t, err)

	principal, err := uc.Authenticate(ctx, record.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(3), principal.UserID)
	assert.True(t, principal.HasGrant("read"))
	assert.True(t, principal.HasFeature("video"))
}

func TestDeviceSessionUsecase_ExpiredAccessToken(t *testing.T) {
	uc, _ := newDeviceSessionFixture(t)
	impl := uc.(*deviceSessionUsecase)
	impl.sessionServiceCfg.Token.ShortExpiration = -time.Minute
	ctx := context.Background()

	record, err := uc.StoreNewSession(ctx, NewDeviceSessionParams{UserID: 3})
	require.NoError(t, err)

	_, err = uc.GetSession(ctx, record.AccessToken)
	assert.ErrorIs(t, err, session.ErrUnauthenticated)

	impl.sessionServiceCfg.Token.ShortExpiration = time.Hour
	refreshed, err := uc.UpdateDeviceSession(ctx, record.RefreshToken)
	require.NoError(t, err)

	_, err = uc.GetSession(ctx, refreshed.AccessToken)
	require.NoError(t, err)
}
