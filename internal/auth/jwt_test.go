package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate("viewer@example.com", "pro")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "viewer@example.com", claims.Email)
	assert.Equal(t, "pro", claims.Plan)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("one", 1).Generate("viewer@example.com", "")
	require.NoError(t, err)

	_, err = NewJWTService("two", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateFallsBackToSubject(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "sub@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	got, err := NewJWTService("secret", 1).Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "sub@example.com", got.Email)
}

func TestValidateRejectsExpiredAndEmpty(t *testing.T) {
	svc := NewJWTService("secret", -1)
	token, err := svc.Generate("viewer@example.com", "")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
