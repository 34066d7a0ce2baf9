package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Common auth errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	UserType       model.UserType `json:"user_type"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
}

// AuthService validates tokens issued by the platform's identity service.
type AuthService struct {
	secret []byte
	rdb    *redis.Client
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client) *AuthService {
	return &AuthService{secret: []byte(cfg.JWTSecret), rdb: rdb}
}

// SignToken signs claims for a user. Token issuance belongs to the identity
// service; this is used by tooling and end-to-end tests.
func (s *AuthService) SignToken(userType model.UserType, userID, organizationID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserType:       userType,
		UserID:         userID,
		OrganizationID: organizationID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	switch claims.UserType {
	case model.UserTypeStudent, model.UserTypeTeacher, model.UserTypeAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown user type %q", ErrTokenInvalid, claims.UserType)
	}
	return claims, nil
}

// ValidateSession checks that a student token's JTI matches the active login
// recorded in Redis. Another login or an admin reset invalidates older tokens.
func (s *AuthService) ValidateSession(ctx context.Context, claims *Claims) error {
	if claims.UserType != model.UserTypeStudent {
		return nil
	}
	stored, err := s.rdb.Get(ctx, config.CacheKey.UserSessionKey(claims.UserID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: no active session", ErrTokenRevoked)
		}
		return fmt.Errorf("check session: %w", err)
	}
	if stored != claims.ID {
		return ErrTokenRevoked
	}
	return nil
}
