package model

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/vasapolrittideah/session-manager/shared/auth"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// OS identifies the operating system of a device.
type OS string

const (
	OSAndroid OS = "ANDROID"
	OSiOS     OS = "iOS"
)

// PushToken is an APN registration.
type PushToken struct {
	Token     string `bson:"token"`
	IsSandbox bool   `bson:"is_sandbox"`
}

// PushTokenField names a push-token field of a device session document.
type PushTokenField string

const (
	GCMTokenField     PushTokenField = "gcm_token"
	APNTokenField     PushTokenField = "apn_token"
	APNVoipTokenField PushTokenField = "apn_voip_token"
)

// Path returns the document path holding the raw token string.
func (f PushTokenField) Path() string {
	if f == GCMTokenField {
		return string(f)
	}
	return string(f) + ".token"
}

// DeviceSession represents a durable session of a logged-in mobile device.
// The refresh token doubles as the secret that signs the access token.
type DeviceSession struct {
	ID            bson.ObjectID   `bson:"_id,omitempty"`
	AccessToken   string          `bson:"access_token"`
	RefreshToken  string          `bson:"refresh_token"`
	UserID        int64           `bson:"user_id"`
	CustomerID    int64           `bson:"customer_id"`
	PbxID         int64           `bson:"pbx_id"`
	PbxSupplier   string          `bson:"pbx_supplier,omitempty"`
	ApplicationID string          `bson:"application_id,omitempty"`
	Grants        []string        `bson:"grants"`
	Features      map[string]bool `bson:"features"`
	OS            OS              `bson:"os"`
	UserAgent     string          `bson:"user_agent,omitempty"`
	GCMToken      string          `bson:"gcm_token,omitempty"`
	APNToken      *PushToken      `bson:"apn_token,omitempty"`
	APNVoipToken  *PushToken      `bson:"apn_voip_token,omitempty"`
	CreatedAt     time.Time       `bson:"created"`
	LastSeenAt    time.Time       `bson:"last_seen"`
	RefreshedAt   *time.Time      `bson:"refreshed,omitempty"`
	RefreshCount  int64           `bson:"refresh_count"`
}

// Principal returns the authorization view of the device session.
func (s *DeviceSession) Principal() *session.Principal {
	return &session.Principal{
		UserID:        s.UserID,
		CustomerID:    s.CustomerID,
		PbxID:         s.PbxID,
		PbxSupplier:   s.PbxSupplier,
		ApplicationID: s.ApplicationID,
		Grants:        s.Grants,
		Features:      s.Features,
	}
}

// DeviceClaims is the signed access token of a device session. It carries no
// authorization data; the record does.
type DeviceClaims struct {
	auth.StandardClaims
}
