// Package auth resolves inbound transport credentials to user identities.
// The relay only sees the Verifier interface; JWT is the default mechanism.
package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrAuthenticationFailed is returned for any credential the verifier rejects.
// Callers must refuse the transport connection before registering anything.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Email  string
}

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier validates HS256 bearer tokens. The subject claim is the user id.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = &JWTVerifier{}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt verifier: empty secret")
	}
	return &JWTVerifier{secret: secret}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if v == nil {
		return Identity{}, errors.Wrap(ErrAuthenticationFailed, "verifier is nil")
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, errors.Wrap(ErrAuthenticationFailed, "empty token")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		return Identity{}, errors.Wrap(ErrAuthenticationFailed, "token rejected")
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Identity{}, errors.Wrap(ErrAuthenticationFailed, "missing subject claim")
	}
	id := Identity{UserID: sub}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	return id, nil
}

// StaticVerifier maps fixed tokens to user ids. Dev and test use only.
type StaticVerifier struct {
	tokens map[string]string
}

var _ Verifier = &StaticVerifier{}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if v == nil {
		return Identity{}, errors.Wrap(ErrAuthenticationFailed, "verifier is nil")
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	userID, ok := v.tokens[token]
	if !ok {
		return Identity{}, errors.Wrap(ErrAuthenticationFailed, "unknown token")
	}
	return Identity{UserID: userID}, nil
}
