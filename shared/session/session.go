// Package session holds the contracts shared by the ephemeral (keyspace backed) and
// device (document backed) session managers, so transports can be written once
// against either flavor.
package session

import (
	"context"
	"slices"
	"time"
)

// Principal is the authorization view of an authenticated session.
type Principal struct {
	UserID        int64
	CustomerID    int64
	PbxID         int64
	PbxSupplier   string
	ApplicationID string
	Grants        []string
	Features      map[string]bool
	// ExpiresAt is when the presented token stops being valid. Zero when the token
	// carries no expiry of its own.
	ExpiresAt time.Time
}

// HasGrant reports whether the principal holds grant.
func (p *Principal) HasGrant(grant string) bool {
	return slices.Contains(p.Grants, grant)
}

// HasAnyGrant reports whether the principal holds at least one of grants.
func (p *Principal) HasAnyGrant(grants ...string) bool {
	for _, g := range grants {
		if p.HasGrant(g) {
			return true
		}
	}
	return false
}

// HasFeature reports whether the feature flag is enabled for the principal.
func (p *Principal) HasFeature(feature string) bool {
	return p.Features[feature]
}

// Manager is the capability shared by both session flavors.
type Manager interface {
	// Authenticate resolves a token to its principal or fails with ErrUnauthenticated.
	Authenticate(ctx context.Context, token string) (*Principal, error)

	// Revoke invalidates the token. Revoking an unknown token is not an error.
	Revoke(ctx context.Context, token string) error

	// UpdateUserGrants propagates a new grant set to every live session of the user.
	UpdateUserGrants(ctx context.Context, userID int64, grants []string) (PropagationResult, error)
}

// Refresher exchanges tokens flagged for refresh.
type Refresher interface {
	// RefreshIfPending rotates token when a replacement payload is pending for it.
	// It returns an empty token when nothing is pending.
	RefreshIfPending(ctx context.Context, token string) (string, *Principal, error)
}

// PropagationResult summarizes a grant propagation over a user's sessions.
type PropagationResult struct {
	Candidates       int `json:"candidates"`
	Unchanged        int `json:"unchanged"`
	MarkedForRefresh int `json:"marked_for_refresh"`
	Revoked          int `json:"revoked"`
	Reissued         int `json:"reissued"`
	Pruned           int `json:"pruned"`
	Failed           int `json:"failed"`
}

// Add accumulates other into r.
func (r *PropagationResult) Add(other PropagationResult) {
	r.Candidates += other.Candidates
	r.Unchanged += other.Unchanged
	r.MarkedForRefresh += other.MarkedForRefresh
	r.Revoked += other.Revoked
	r.Reissued += other.Reissued
	r.Pruned += other.Pruned
	r.Failed += other.Failed
}

// GrantsEqual compares two grant lists as sets.
func GrantsEqual(a, b []string) bool {
	setA := make(map[string]struct{}, len(a))
	for _, g := range a {
		setA[g] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, g := range b {
		setB[g] = struct{}{}
	}

	if len(setA) != len(setB) {
		return false
	}
	for g := range setA {
		if _, ok := setB[g]; !ok {
			return false
		}
	}
	return true
}

// MaskToken shortens a token for log output.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:6] + "..." + token[len(token)-6:]
}
