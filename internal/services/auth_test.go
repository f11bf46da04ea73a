package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_PasswordAndToken(t *testing.T) {
	auth := NewAuthService("s3cret", "signing-key", time.Hour)
	assert.True(t, auth.IsAuthRequired())
	assert.True(t, auth.ValidatePassword("s3cret"))
	assert.False(t, auth.ValidatePassword("guess"))

	token, err := auth.GenerateJWT()
	require.NoError(t, err)
	assert.True(t, auth.ValidateJWT(token))
	assert.False(t, auth.ValidateJWT(token+"x"))

	other := NewAuthService("s3cret", "another-key", time.Hour)
	assert.False(t, other.ValidateJWT(token))
}

func TestAuthService_ExpiredToken(t *testing.T) {
	auth := NewAuthService("s3cret", "signing-key", time.Hour)

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("signing-key"))
	require.NoError(t, err)

	assert.False(t, auth.ValidateJWT(token))
}

func TestAuthService_Disabled(t *testing.T) {
	auth := NewAuthService("", "", 0)
	assert.False(t, auth.IsAuthRequired())
	assert.True(t, auth.ValidatePassword("anything"))
	assert.True(t, auth.ValidateJWT(""))
}
