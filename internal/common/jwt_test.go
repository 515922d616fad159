package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuthenticator_RoundTrip(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret", "clinic")
	ident := NewIdentity("doctor-1", RoleDoctor)

	token, err := auth.GenerateToken(ident, time.Hour)
	require.NoError(t, err)

	got, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, ident, got)
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret", "clinic")
	other := NewJWTAuthenticator("other-secret", "clinic")
	wrongIssuer := NewJWTAuthenticator("test-secret", "someone-else")

	expired, err := auth.GenerateToken(NewIdentity("patient-9", RolePatient), -time.Minute)
	require.NoError(t, err)
	forged, err := other.GenerateToken(NewIdentity("patient-9", RolePatient), time.Hour)
	require.NoError(t, err)
	foreign, err := wrongIssuer.GenerateToken(NewIdentity("patient-9", RolePatient), time.Hour)
	require.NoError(t, err)
	badRole, err := auth.GenerateToken(Identity{ID: "x", Role: Role("admin")}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "expired", token: expired},
		{name: "wrong secret", token: forged},
		{name: "wrong issuer", token: foreign},
		{name: "unknown role", token: badRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authenticate(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthentication)
		})
	}
}
