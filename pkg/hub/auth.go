package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"questsync/pkg/proto"
)

// ErrInvalidToken covers every handshake token failure. Callers get no
// finer detail; the distinction only matters in logs.
var ErrInvalidToken = errors.New("invalid identity token")

// identityClaims is the JWT claims shape issued by the auth service.
// Subject carries the identity ID.
type identityClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name"`
	Role        string `json:"role"`
}

// TokenAuth validates HS256 identity tokens.
type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// Verify parses a bearer token and returns the identity it asserts.
func (a *TokenAuth) Verify(token string) (proto.Identity, error) {
	if token == "" {
		return proto.Identity{}, ErrInvalidToken
	}
	var claims identityClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return proto.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return proto.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := proto.Role(claims.Role)
	if role != proto.RoleLearner && role != proto.RoleTeacher {
		role = proto.RoleLearner
	}
	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	return proto.Identity{ID: claims.Subject, DisplayName: name, Role: role}, nil
}

// IssueToken mints a token for an identity. The server only verifies
// tokens in production; issuing lives here for the agent's local dev
// mode and for tests.
func (a *TokenAuth) IssueToken(identity proto.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DisplayName: identity.DisplayName,
		Role:        string(identity.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
