package httpapi

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkirby-ms/tilemud-sub004/internal/config"
)

// JWTVerifier validates HMAC-signed bearer tokens. It satisfies the
// admission controller's TokenVerifier contract.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier from the auth config.
func NewJWTVerifier(cfg config.AuthConfig) *JWTVerifier {
	return &JWTVerifier{secret: []byte(cfg.JWTSecret)}
}

// Verify parses and validates token, returning the subject claim.
//
// Postcondition: Returns a non-empty user id or a non-nil error.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing bearer token: %w", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("bearer token missing subject")
	}
	return subject, nil
}

// Sign mints a token for userID. Used by tests and local tooling.
func (v *JWTVerifier) Sign(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID})
	return token.SignedString(v.secret)
}
