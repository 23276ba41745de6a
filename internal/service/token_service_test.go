package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", "accreditation")
	token, err := svc.Issue("acc-1", models.RoleAccreditor, time.Minute)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, models.Actor{ID: "acc-1", Role: models.RoleAccreditor}, claims.Actor())
	assert.Equal(t, "accreditation", claims.Issuer)
}

func TestTokenServiceRejectsInvalidTokens(t *testing.T) {
	svc := NewTokenService("secret", "accreditation")

	foreign, err := NewTokenService("other", "accreditation").Issue("acc-1", models.RoleAccreditor, time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := NewTokenService("secret", "someone-else").Issue("acc-1", models.RoleAccreditor, time.Minute)
	require.NoError(t, err)

	expiredClaims := models.JWTClaims{
		UserID: "acc-1",
		Role:   models.RoleAccreditor,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "accreditation",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte("secret"))
	require.NoError(t, err)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, models.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "accreditation"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": foreign,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   anonymous,
		"garbage":      "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			require.Error(t, err)
			assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized.Code))
		})
	}
}
