package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrantsEqual(t *testing.T) {
	assert.True(t, GrantsEqual([]string{"a", "b"}, []string{"b", "a"}))
	assert.True(t, GrantsEqual(nil, []string{}))
	assert.True(t, GrantsEqual([]string{"a", "a"}, []string{"a"}))
	assert.False(t, GrantsEqual([]string{"a", "b"}, []string{"a", "c"}))
	assert.False(t, GrantsEqual([]string{"a"}, []string{"a", "b"}))
}

func TestPrincipal_Grants(t *testing.T) {
	p := &Principal{Grants: []string{"read", "write"}, Features: map[string]bool{"voip": true, "chat": false}}

	assert.True(t, p.HasGrant("read"))
	assert.False(t, p.HasGrant("admin"))
	assert.True(t, p.HasAnyGrant("admin", "write"))
	assert.False(t, p.HasAnyGrant("admin", "root"))
	assert.False(t, p.HasAnyGrant())
	assert.True(t, p.HasFeature("voip"))
	assert.False(t, p.HasFeature("chat"))
	assert.False(t, p.HasFeature("video"))
}

func TestStoreError_MatchesKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := error(NewStoreError("get secret", cause))

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrUnauthenticated))
}

func TestPartialFailureError_UnwrapsEachFailure(t *testing.T) {
	storeErr := NewStoreError("mark for refresh", errors.New("timeout"))
	err := error(&PartialFailureError{
		UserID: 7,
		Failures: []TokenFailure{
			{Token: "aaaaaaaaaaaaaaaaaaaa", Err: storeErr},
		},
	})

	assert.True(t, errors.Is(err, ErrPartialFailure))
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Contains(t, err.Error(), "user 7")
	assert.NotContains(t, err.Error(), "aaaaaaaaaaaaaaaaaaaa")
}

func TestPropagationResult_Add(t *testing.T) {
	r := PropagationResult{Candidates: 2, Revoked: 1}
	r.Add(PropagationResult{Candidates: 3, Reissued: 2, Failed: 1})

	assert.Equal(t, PropagationResult{Candidates: 5, Revoked: 1, Reissued: 2, Failed: 1}, r)
}
