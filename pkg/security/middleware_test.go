package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	auth := NewAPIKeyAuthenticator()
	auth.AddKey("k-1", &Principal{ID: "ops", Name: "Ops"})
	auth.AddKey("k-2", &Principal{ID: "ci", Name: "CI"})
	assert.Equal(t, 2, auth.Len())

	p, err := auth.Authenticate(context.Background(), "k-2")
	require.NoError(t, err)
	assert.Equal(t, "ci", p.ID)

	_, err = auth.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = auth.Authenticate(context.Background(), "k-3")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestToken(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"lowercase scheme", map[string]string{"Authorization": "bearer abc"}, "abc"},
		{"api key header", map[string]string{"X-API-Key": "xyz"}, "xyz"},
		{"basic is ignored", map[string]string{"Authorization": "Basic abc"}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, Token(r))
		})
	}
}

func TestMiddlewareAuth(t *testing.T) {
	auth := NewAPIKeyAuthenticator()
	auth.AddKey("secret", &Principal{ID: "ops"})

	var seen string
	h := Middleware(auth, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		require.True(t, ok)
		seen = p.ID
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Contains(t, rec.Body.String(), "missing authentication token")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", seen)
}

func TestMiddlewareRateLimitsAnonymousByIP(t *testing.T) {
	h := Middleware(NewNoAuthAuthenticator(), NewRateLimiter(1, 1), nil)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
	)

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs/x", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:2000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"))
}
