package model

import (
	"github.com/vasapolrittideah/session-manager/shared/auth"
	"github.com/vasapolrittideah/session-manager/shared/session"
)

// Source tags the client that requested an ephemeral session.
type Source string

// SourceMobile marks tokens issued to mobile clients. Those are revoked rather than
// flagged for refresh when the user's grants change.
const SourceMobile Source = "MOBILE"

// Payload is the authorization data embedded in an ephemeral session token.
type Payload struct {
	UserID        int64    `json:"idUser"`
	CustomerID    int64    `json:"idCustomer"`
	PbxID         int64    `json:"idPbx"`
	Grants        []string `json:"grants"`
	Persistent    bool     `json:"persistent"`
	PbxSupplier   string   `json:"pbxSupplier,omitempty"`
	ApplicationID string   `json:"applicationId,omitempty"`
	Source        Source   `json:"source,omitempty"`
}

// Principal returns the authorization view of the payload.
func (p *Payload) Principal() *session.Principal {
	return &session.Principal{
		UserID:        p.UserID,
		CustomerID:    p.CustomerID,
		PbxID:         p.PbxID,
		PbxSupplier:   p.PbxSupplier,
		ApplicationID: p.ApplicationID,
		Grants:        p.Grants,
	}
}

// SessionClaims is the signed form of a Payload.
type SessionClaims struct {
	Payload
	auth.StandardClaims
}
