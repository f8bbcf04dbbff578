package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseAuthorization(t *testing.T) {
	parser := NewTokenParser("jwt-secret")
	token, err := parser.Issue(Actor{ID: "ops-1", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	actor, err := parser.ParseAuthorization("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "ops-1", Role: "admin"}, actor)
}

func TestParseRejectsWrongSecretAndExpired(t *testing.T) {
	issuer := NewTokenParser("one")
	token, err := issuer.Issue(Actor{ID: "ops-1", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	_, err = NewTokenParser("two").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := issuer.Issue(Actor{ID: "ops-1", Role: "admin"}, -time.Minute)
	require.NoError(t, err)
	_, err = issuer.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseAuthorizationMissing(t *testing.T) {
	parser := NewTokenParser("s")
	_, err := parser.ParseAuthorization("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = parser.ParseAuthorization("Basic abc")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestRoleAuthorizer(t *testing.T) {
	authz := NewRoleAuthorizer([]string{"Admin", " finance_operator "})
	assert.True(t, authz.RequireElevatedRole(Actor{ID: "a", Role: "admin"}))
	assert.True(t, authz.RequireElevatedRole(Actor{ID: "b", Role: "FINANCE_OPERATOR"}))
	assert.False(t, authz.RequireElevatedRole(Actor{ID: "c", Role: "buyer"}))
	assert.False(t, authz.RequireElevatedRole(Actor{Role: "admin"}))
}
