package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/model"
)

// DeviceSessionRepository defines the interface for device-session database operations.
type DeviceSessionRepository interface {
	// CreateSession inserts a new device session.
	CreateSession(ctx context.Context, session *model.DeviceSession) (*model.DeviceSession, error)

	// GetSessionByAccessToken finds the session currently holding accessToken.
	GetSessionByAccessToken(ctx context.Context, accessToken string) (*model.DeviceSession, error)

	// GetSessionByRefreshToken finds the session owning refreshToken.
	GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*model.DeviceSession, error)

	// ListSessionsByUserID returns every device session of a user.
	ListSessionsByUserID(ctx context.Context, userID int64) ([]*model.DeviceSession, error)

	// RecordRefresh stores a re-signed access token, increments the refresh counter
	// and returns the updated session.
	RecordRefresh(ctx context.Context, id bson.ObjectID, params RecordRefreshParams) (*model.DeviceSession, error)

	// UpdatePushTokens sets the non-nil push tokens on the session.
	UpdatePushTokens(ctx context.Context, id bson.ObjectID, params UpdatePushTokensParams) error

	// UnsetPushToken removes token from field on every session except exceptID.
	UnsetPushToken(ctx context.Context, field model.PushTokenField, token string, exceptID bson.ObjectID) (int64, error)

	// DeleteSessionByRefreshToken deletes the session owning refreshToken.
	DeleteSessionByRefreshToken(ctx context.Context, refreshToken string) (int64, error)
}

// RecordRefreshParams defines the fields written when an access token is re-signed.
// Grants and Features are only written when not nil.
type RecordRefreshParams struct {
	AccessToken string
	RefreshedAt time.Time
	Grants      []string
	Features    map[string]bool
}

// UpdatePushTokensParams defines the optional push tokens to set.
// Only the fields that are not nil will be updated.
type UpdatePushTokensParams struct {
	GCMToken     *string
	APNToken     *model.PushToken
	APNVoipToken *model.PushToken
}

const deviceSessionCollection = "devices_session"

type deviceSessionMongoRepository struct {
	db *mongo.Database
}

// NewDeviceSessionMongoRepository creates a new MongoDB repository for device sessions.
func NewDeviceSessionMongoRepository(
	ctx context.Context,
	logger *zerolog.Logger,
	db *mongo.Database,
) DeviceSessionRepository {
	collection := db.Collection(deviceSessionCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "access_token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "refresh_token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: model.GCMTokenField.Path(), Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: model.APNTokenField.Path(), Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: model.APNVoipTokenField.Path(), Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create device session indexes")
	}

	return &deviceSessionMongoRepository{db: db}
}

func (r *deviceSessionMongoRepository) CreateSession(
	ctx context.Context,
	session *model.DeviceSession,
) (*model.DeviceSession, error) {
	result, err := r.db.Collection(deviceSessionCollection).InsertOne(ctx, session)
	if err != nil {
		return nil, err
	}

	if objectID, ok := result.InsertedID.(bson.ObjectID); ok {
		session.ID = objectID
	} else {
		return nil, errors.New("failed to convert inserted ID to ObjectID")
	}

	return session, nil
}

func (r *deviceSessionMongoRepository) GetSessionByAccessToken(
	ctx context.Context,
	accessToken string,
) (*model.DeviceSession, error) {
	return r.findOne(ctx, bson.M{"access_token": accessToken})
}

func (r *deviceSessionMongoRepository) GetSessionByRefreshToken(
	ctx context.Context,
	refreshToken string,
) (*model.DeviceSession, error) {
	return r.findOne(ctx, bson.M{"refresh_token": refreshToken})
}

func (r *deviceSessionMongoRepository) findOne(ctx context.Context, filter bson.M) (*model.DeviceSession, error) {
	result := r.db.Collection(deviceSessionCollection).FindOne(ctx, filter)
	if result.Err() != nil {
		return nil, result.Err()
	}

	var session model.DeviceSession
	if err := result.Decode(&session); err != nil {
		return nil, err
	}

	return &session, nil
}

func (r *deviceSessionMongoRepository) ListSessionsByUserID(
	ctx context.Context,
	userID int64,
) ([]*model.DeviceSession, error) {
	cursor, err := r.db.Collection(deviceSessionCollection).Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}

	var sessions []*model.DeviceSession
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}

	return sessions, nil
}

func (r *deviceSessionMongoRepository) RecordRefresh(
	ctx context.Context,
	id bson.ObjectID,
	params RecordRefreshParams,
) (*model.DeviceSession, error) {
	updateMap := bson.M{
		"access_token": params.AccessToken,
		"last_seen":    params.RefreshedAt,
		"refreshed":    params.RefreshedAt,
	}
	if params.Grants != nil {
		updateMap["grants"] = params.Grants
	}
	if params.Features != nil {
		updateMap["features"] = params.Features
	}

	result := r.db.Collection(deviceSessionCollection).FindOneAndUpdate(
		ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": updateMap,
			"$inc": bson.M{"refresh_count": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	if result.Err() != nil {
		return nil, result.Err()
	}

	var session model.DeviceSession
	if err := result.Decode(&session); err != nil {
		return nil, err
	}

	return &session, nil
}

func (r *deviceSessionMongoRepository) UpdatePushTokens(
	ctx context.Context,
	id bson.ObjectID,
	params UpdatePushTokensParams,
) error {
	updateMap := bson.M{}
	if params.GCMToken != nil {
		updateMap[string(model.GCMTokenField)] = *params.GCMToken
	}
	if params.APNToken != nil {
		updateMap[string(model.APNTokenField)] = params.APNToken
	}
	if params.APNVoipToken != nil {
		updateMap[string(model.APNVoipTokenField)] = params.APNVoipToken
	}

	if len(updateMap) == 0 {
		return errors.New("no push token fields to update")
	}

	result, err := r.db.Collection(deviceSessionCollection).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": updateMap},
	)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

func (r *deviceSessionMongoRepository) UnsetPushToken(
	ctx context.Context,
	field model.PushTokenField,
	token string,
	exceptID bson.ObjectID,
) (int64, error) {
	filter := bson.M{
		field.Path(): token,
		"_id":        bson.M{"$ne": exceptID},
	}
	update := bson.M{
		"$unset": bson.M{string(field): ""},
	}

	result, err := r.db.Collection(deviceSessionCollection).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}

	return result.ModifiedCount, nil
}

func (r *deviceSessionMongoRepository) DeleteSessionByRefreshToken(
	ctx context.Context,
	refreshToken string,
) (int64, error) {
	result, err := r.db.Collection(deviceSessionCollection).DeleteOne(ctx, bson.M{"refresh_token": refreshToken})
	if err != nil {
		return 0, err
	}

	return result.DeletedCount, nil
}
