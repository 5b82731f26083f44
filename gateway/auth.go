package gateway

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/CrashCraftNetwork/SessionManager/config"
)

// CustomClaims is the token payload a connecting user presents. Subject
// carries the stable external user id; DisplayName is refreshed into the
// user record on every admission. The 'jti' from RegisteredClaims is used
// for revocation.
type CustomClaims struct {
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// JWTValidator handles JWT validation logic.
type JWTValidator struct {
	cfg         *config.AuthConfig
	redisClient *redis.Client
	log         *zap.Logger
}

// NewJWTValidator creates a new JWT validator.
func NewJWTValidator(cfg *config.AuthConfig, redisClient *redis.Client, log *zap.Logger) *JWTValidator {
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
		log:         log.Named("auth"),
	}
}

// ValidateToken parses and validates a JWT string. It checks the signature,
// standard claims (like expiration), and the revocation list in Redis.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, fmt.Errorf("could not cast claims to CustomClaims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token is missing a subject")
	}

	isRevoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock every user out.
		v.log.Error("failed to check token revocation status", zap.Error(err))
	}
	if isRevoked {
		return nil, fmt.Errorf("token has been revoked")
	}

	return claims, nil
}

// isTokenRevoked checks if a token ID (JTI) is in the Redis revocation list.
func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		if jti == "" {
			v.log.Warn("token is missing 'jti' claim, cannot check for revocation")
		}
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}

	return exists == 1, nil
}
