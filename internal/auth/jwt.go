package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in tokens
const (
	RoleDevice = "device"
	RoleUser   = "user"
)

// DefaultDeviceTokenTTL is the lifetime of a device token.
const DefaultDeviceTokenTTL = 24 * time.Hour

// ErrInvalidToken is returned for tokens that fail signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role"` // "device" or "user"
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens with a shared secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer. A zero ttl uses DefaultDeviceTokenTTL.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultDeviceTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL is how long issued device tokens stay valid.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// GenerateDeviceToken generates a JWT token for device authentication. The
// user id is the device owner that conversations are stored under.
func (i *TokenIssuer) GenerateDeviceToken(deviceID, userID string) (string, time.Time, error) {
	if deviceID == "" {
		return "", time.Time{}, errors.New("device id is required")
	}
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &JWTClaims{
		DeviceID: deviceID,
		UserID:   userID,
		Role:     RoleDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign device token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (i *TokenIssuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
