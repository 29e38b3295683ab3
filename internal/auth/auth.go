// Package auth validates bearer credentials presented by websocket clients.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is wrapped by every credential rejection.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the result of a successful authentication.
type Identity struct {
	UserID string
	Claims map[string]any
}

// Config controls token validation.
type Config struct {
	// Secret is the HS256 key for JWT bearer tokens. Empty disables JWTs.
	Secret string
	// Issuer, when set, must match the "iss" claim.
	Issuer string
	// Tokens maps static bearer tokens to user ids.
	Tokens map[string]string
	// Leeway is the allowed clock skew for time based claims.
	Leeway time.Duration
}

// Authenticator validates JWT bearer tokens and a static token table.
type Authenticator struct {
	cfg    Config
	parser *jwt.Parser
}

// New creates an Authenticator.
func New(cfg Config) *Authenticator {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Authenticate resolves a bearer token to an identity.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	for static, user := range a.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(static), []byte(token)) == 1 {
			return &Identity{UserID: user}, nil
		}
	}

	if a.cfg.Secret == "" {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}

	parsed, err := a.parser.Parse(token, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Identity{UserID: sub, Claims: claims}, nil
}

// Issue signs a token for userID valid for ttl. Used by tooling and tests.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	if a.cfg.Secret == "" {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if a.cfg.Issuer != "" {
		claims["iss"] = a.cfg.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.Secret))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
