package postgres

import (
	"context"
	"fmt"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked_token:"

// Tokens issues and verifies session JWTs. A revoked token's id is kept in
// Redis until the token would have expired anyway.
type Tokens struct {
	rdb    *redis.Client
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(rdb *redis.Client, secret string, ttl time.Duration) *Tokens {
	if secret == "" {
		secret = "change-me"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{rdb: rdb, secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(userID uuid.UUID) (*backend.Session, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &backend.Session{Token: signed, UserID: userID, ExpiresAt: expiresAt}, nil
}

func (t *Tokens) parse(token string) (*jwt.RegisteredClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid or expired token: %w", apperror.ErrAuthenticationRequired)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ID == "" {
		return nil, fmt.Errorf("invalid token claims: %w", apperror.ErrAuthenticationRequired)
	}
	return claims, nil
}

// Verify returns nil for a token that is malformed, expired or revoked.
func (t *Tokens) Verify(ctx context.Context, token string) (*backend.Session, error) {
	claims, err := t.parse(token)
	if err != nil {
		return nil, nil
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, nil
	}
	revoked, err := t.rdb.Exists(ctx, revokedKeyPrefix+claims.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("check token revocation: %v: %w", err, apperror.ErrTransientNetwork)
	}
	if revoked == 1 {
		return nil, nil
	}
	return &backend.Session{Token: token, UserID: userID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Revoke reports the user the token belonged to; revoking an invalid token is
// a no-op.
func (t *Tokens) Revoke(ctx context.Context, token string) (uuid.UUID, bool, error) {
	claims, err := t.parse(token)
	if err != nil {
		return uuid.Nil, false, nil
	}
	userID, _ := uuid.Parse(claims.Subject)
	remaining := claims.ExpiresAt.Time.Sub(t.now())
	if remaining <= 0 {
		return userID, false, nil
	}
	if err := t.rdb.SetEx(ctx, revokedKeyPrefix+claims.ID, userID.String(), remaining).Err(); err != nil {
		return uuid.Nil, false, fmt.Errorf("revoke token: %v: %w", err, apperror.ErrTransientNetwork)
	}
	return userID, true, nil
}
