package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/npezzotti/go-opschat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey  = []byte("some_secret")
	testUser = types.User{Id: "alice", Name: "Alice Adams", Email: "alice@acme.test", Handle: "aadams", TenantId: "acme"}
)

func TestSignAndVerify(t *testing.T) {
	token, err := NewSigner(testKey, time.Hour).Sign(testUser, "admin")
	require.NoError(t, err)

	claims, err := NewVerifier(testKey).Verify(token)
	require.NoError(t, err)

	assert.Equal(t, types.Identity{UserId: "alice", Role: "admin", TenantId: "acme"}, claims.Identity())
	assert.Equal(t, testUser, claims.User())
}

func TestVerify(t *testing.T) {
	expired := NewSigner(testKey, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, err := expired.Sign(testUser, "")
	require.NoError(t, err)

	otherKeyToken, err := NewSigner([]byte("other_secret"), time.Hour).Sign(testUser, "")
	require.NoError(t, err)

	noSubjectToken, err := NewSigner(testKey, time.Hour).Sign(types.User{TenantId: "acme"}, "")
	require.NoError(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice", Issuer: "elsewhere"})
	foreignToken, err := foreign.SignedString(testKey)
	require.NoError(t, err)

	tcases := []struct {
		name  string
		token string
		err   error
	}{
		{name: "empty token", token: "", err: ErrMissingToken},
		{name: "garbage", token: "not.a.token", err: ErrInvalidToken},
		{name: "expired", token: expiredToken, err: ErrExpiredToken},
		{name: "wrong key", token: otherKeyToken, err: ErrInvalidToken},
		{name: "missing subject", token: noSubjectToken, err: ErrInvalidToken},
		{name: "wrong issuer", token: foreignToken, err: ErrInvalidToken},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := NewVerifier(testKey).Verify(tc.token)
			assert.ErrorIs(t, err, tc.err)
			assert.Nil(t, claims)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		url      string
		expected string
	}{
		{
			name:     "bearer header",
			url:      "/ws?token=query",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer header") },
			expected: "header",
		},
		{
			name:     "query parameter",
			url:      "/ws?token=query",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie"}) },
			expected: "query",
		},
		{
			name:     "cookie",
			url:      "/ws",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie"}) },
			expected: "cookie",
		},
		{
			name:     "non-bearer scheme is ignored",
			url:      "/ws",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
			expected: "",
		},
		{
			name:     "none",
			url:      "/ws",
			setup:    func(r *http.Request) {},
			expected: "",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			tc.setup(req)
			assert.Equal(t, tc.expected, TokenFromRequest(req))
		})
	}
}
