package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthService guards the admin API with a password-issued JWT
type AuthService struct {
	adminPassword string
	jwtSecret     []byte
	tokenTTL      time.Duration
}

// NewAuthService creates a new auth service; an empty password disables auth
func NewAuthService(adminPassword, jwtSecret string, tokenTTL time.Duration) *AuthService {
	if jwtSecret == "" {
		jwtSecret = uuid.New().String()
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{
		adminPassword: adminPassword,
		jwtSecret:     []byte(jwtSecret),
		tokenTTL:      tokenTTL,
	}
}

// ValidatePassword checks if the password is correct
func (s *AuthService) ValidatePassword(password string) bool {
	if s.adminPassword == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.adminPassword)) == 1
}

// IsAuthRequired checks if authentication is required
func (s *AuthService) IsAuthRequired() bool {
	return s.adminPassword != ""
}

// GenerateJWT issues an admin token
func (s *AuthService) GenerateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT validates an admin token
func (s *AuthService) ValidateJWT(tokenString string) bool {
	if !s.IsAuthRequired() {
		return true
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return false
	}
	return true
}
