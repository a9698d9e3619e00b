package authz

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/fastygo/orgcore/domain"
)

// Claims is the JWT body handed to the token layer.
type Claims struct {
	UserID      string                       `json:"user_id"`
	Permissions []domain.EffectivePermission `json:"perms"`
	jwt.RegisteredClaims
}

// Has checks a permission against the claims without touching storage.
func (c *Claims) Has(permission string, target domain.ScopePath) bool {
	return HasEffectivePermission(c.Permissions, permission, target)
}

// TokenIssuer signs permission-bearing tokens with an HMAC secret.
type TokenIssuer struct {
	service *Service
	secret  []byte
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

func NewTokenIssuer(service *Service, secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{service: service, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithIssuer sets the iss claim of issued tokens.
func (t *TokenIssuer) WithIssuer(issuer string) *TokenIssuer {
	t.issuer = issuer
	return t
}

// Claims computes the claims of principal.
func (t *TokenIssuer) Claims(ctx context.Context, principal string) (*Claims, error) {
	perms, err := t.service.EffectivePermissions(ctx, principal)
	if err != nil {
		return nil, err
	}
	now := t.now()
	return &Claims{
		UserID:      principal,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}, nil
}

// SignToken issues a token for principal.
func (t *TokenIssuer) SignToken(ctx context.Context, principal string) (string, error) {
	claims, err := t.Claims(ctx, principal)
	if err != nil {
		return "", err
	}
	return t.Sign(claims)
}

// Sign signs already computed claims.
func (t *TokenIssuer) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// ParseToken validates a token signed with secret.
func ParseToken(token, secret string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, domain.WrapError(domain.ErrCodeUnauthorized, "invalid token", err)
	}
	return claims, nil
}
