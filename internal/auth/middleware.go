// Package auth authenticates callers of the face endpoints with HS256
// bearer tokens. The token subject becomes the caller recorded in audit
// logs and events.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerKey contextKey = "authCaller"

// Leeway tolerated on exp and nbf checks.
const clockSkew = 30 * time.Second

var (
	ErrMissingHeader = errors.New("authorization header required")
	ErrInvalidHeader = errors.New("invalid authorization header")
	ErrNoSecret      = errors.New("missing JWT secret")
	ErrInvalidToken  = errors.New("invalid token")
	ErrNoSubject     = errors.New("missing subject")
)

// CallerFromContext retrieves the authenticated caller from context.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(callerKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Verifier checks bearer tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier. An empty audience accepts any audience.
func NewVerifier(secret, audience string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), parser: jwt.NewParser(opts...)}
}

// Caller validates the Authorization header value and returns the token
// subject.
func (v *Verifier) Caller(header string) (string, error) {
	raw, err := bearerToken(header)
	if err != nil {
		return "", err
	}
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// JWTMiddleware rejects requests without a valid bearer token and stores
// the token subject as the caller.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	verifier := NewVerifier(secret, audience)

	return func(c *gin.Context) {
		caller, err := verifier.Caller(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Request = c.Request.WithContext(WithCaller(c.Request.Context(), caller))
		c.Set(string(callerKey), caller)
		c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingHeader
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidHeader
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrInvalidHeader
	}
	return token, nil
}
