package jwt

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/regorch/pkg/domain"
)

func fixedNow() time.Time {
	return time.Date(2026, time.February, 22, 16, 40, 0, 0, time.UTC)
}

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier("secret", "regorch", fixedNow)
	require.NoError(t, err)

	token, err := v.Sign(domain.Actor{ID: "u-1", OrganizationID: "org-1", Roles: []string{"admin"}}, time.Hour)
	require.NoError(t, err)

	actor, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", actor.ID)
	assert.Equal(t, "org-1", actor.OrganizationID)
	assert.Equal(t, []string{"admin"}, actor.Roles)
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewVerifier("secret", "regorch", fixedNow)
	require.NoError(t, err)

	expired, err := v.Sign(domain.Actor{ID: "u-1", OrganizationID: "org-1"}, -time.Minute)
	require.NoError(t, err)

	other, err := NewVerifier("other-secret", "regorch", fixedNow)
	require.NoError(t, err)
	forged, err := other.Sign(domain.Actor{ID: "u-1", OrganizationID: "org-1"}, time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewVerifier("secret", "someone-else", fixedNow)
	require.NoError(t, err)
	foreign, err := wrongIssuer.Sign(domain.Actor{ID: "u-1", OrganizationID: "org-1"}, time.Hour)
	require.NoError(t, err)

	noOrg, err := v.Sign(domain.Actor{ID: "u-1"}, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"expired":      expired,
		"forged":       forged,
		"wrong issuer": foreign,
		"no org":       noOrg,
	} {
		_, err := v.Verify(token)
		if !errors.Is(err, domain.ErrPermissionDenied) {
			t.Fatalf("%s: expected permission denied, got %v", name, err)
		}
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(" ", "", nil)
	assert.Error(t, err)
}

func TestRoleChecker(t *testing.T) {
	c := NewRoleChecker("Admin", "operator", "")

	assert.True(t, c.HasElevatedRole(domain.Actor{Roles: []string{"member", "ADMIN"}}))
	assert.True(t, c.HasElevatedRole(domain.Actor{Roles: []string{"operator"}}))
	assert.False(t, c.HasElevatedRole(domain.Actor{Roles: []string{"member"}}))
	assert.False(t, c.HasElevatedRole(domain.Actor{}))
}
