// Package auth verifies the identity tokens issued by the tenant directory.
// Tokens are HS256 JWTs whose subject is the user id.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/npezzotti/go-opschat/internal/types"
)

const (
	Issuer         = "opschat"
	TokenCookieKey = "token"
	tokenQueryKey  = "token"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

type Claims struct {
	Role   string `json:"role,omitempty"`
	Tenant string `json:"tenant,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Handle string `json:"handle,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() types.Identity {
	return types.Identity{
		UserId:   c.Subject,
		Role:     c.Role,
		TenantId: c.Tenant,
	}
}

// User returns the directory profile carried by the token.
func (c *Claims) User() types.User {
	return types.User{
		Id:       c.Subject,
		Name:     c.Name,
		Email:    c.Email,
		Handle:   c.Handle,
		TenantId: c.Tenant,
	}
}

type Verifier struct {
	key []byte
}

func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key}
}

func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Signer issues tokens. The service itself only verifies; signing exists for
// local tooling and tests.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSigner(key []byte, ttl time.Duration) *Signer {
	return &Signer{key: key, ttl: ttl, now: time.Now}
}

func (s *Signer) Sign(user types.User, role string) (string, error) {
	now := s.now()
	claims := &Claims{
		Role:   role,
		Tenant: user.TenantId,
		Name:   user.Name,
		Email:  user.Email,
		Handle: user.Handle,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   user.Id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// TokenFromRequest returns the bearer token, falling back to the token query
// parameter and then the token cookie. Browsers cannot set headers on a
// websocket handshake, hence the fallbacks.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token
	}

	if cookie, err := r.Cookie(TokenCookieKey); err == nil {
		return cookie.Value
	}

	return ""
}
