package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
		{"Basic abc", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"BEARER  abc ", "abc"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(r), "header %q", tt.header)
	}
}

func TestAuthenticate_Messages(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec, resp := env.do(t, http.MethodGet, "/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Access token is required", resp.Message)

	rec, resp = env.do(t, http.MethodGet, "/auth/me", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid token", resp.Message)

	alice := env.registerAs(t, "alice@example.com", models.RoleClient)
	rec, resp = env.do(t, http.MethodGet, "/auth/me", alice.RefreshToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid token", resp.Message, "refresh tokens are not access tokens")
}

func TestRequireRole(t *testing.T) {
	env := newTestEnv(t, Options{})

	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		identity *auth.Identity
		roles    []models.Role
		want     int
	}{
		{"anonymous", nil, AgentOrAdmin, http.StatusUnauthorized},
		{"agent allowed", &auth.Identity{UserID: "u", Role: models.RoleAgent}, AgentOrAdmin, http.StatusNoContent},
		{"admin allowed", &auth.Identity{UserID: "u", Role: models.RoleAdmin}, OwnerOrAdmin, http.StatusNoContent},
		{"owner is not agent", &auth.Identity{UserID: "u", Role: models.RoleOwner}, AgentOrAdmin, http.StatusForbidden},
		{"client is not admin", &auth.Identity{UserID: "u", Role: models.RoleClient}, AdminOnly, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), tt.identity))
			}
			rec := httptest.NewRecorder()
			env.handler.RequireRole(tt.roles...)(next).ServeHTTP(rec, r)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.want == http.StatusNoContent, reached)
		})
	}
}

func TestRateLimit(t *testing.T) {
	t.Run("rejects over limit", func(t *testing.T) {
		lim := &stubLimiter{res: &ratelimit.Result{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
		env := newTestEnv(t, Options{Limiter: lim})

		rec, resp := env.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "a@example.com", "password": "x"})
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, string(common.KindRateLimited), resp.Code)
		assert.Equal(t, "2", rec.Header().Get("Retry-After"))
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, []string{"login:192.0.2.1"}, lim.calls)
	})

	t.Run("passes under limit", func(t *testing.T) {
		lim := &stubLimiter{res: &ratelimit.Result{Allowed: true, Remaining: 4}}
		env := newTestEnv(t, Options{Limiter: lim})

		rec, _ := env.do(t, http.MethodPost, "/auth/register", "", aliceBody)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, []string{"register:192.0.2.1"}, lim.calls)
	})

	t.Run("fails open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		env := newTestEnv(t, Options{Limiter: lim})

		rec, _ := env.do(t, http.MethodPost, "/auth/register", "", aliceBody)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("refresh is not throttled", func(t *testing.T) {
		lim := &stubLimiter{res: &ratelimit.Result{Allowed: false}}
		env := newTestEnv(t, Options{Limiter: lim})

		rec, _ := env.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": "x"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, lim.calls)
	})
}

// perKeyLimiter allows one request per key.
type perKeyLimiter struct {
	seen map[string]int
}

func (l *perKeyLimiter) Allow(_ context.Context, key string) (*ratelimit.Result, error) {
	if l.seen == nil {
		l.seen = map[string]int{}
	}
	l.seen[key]++
	return &ratelimit.Result{Allowed: l.seen[key] <= 1}, nil
}

func TestRateLimit_IgnoresForwardedHeadersFromUntrustedPeer(t *testing.T) {
	lim := &perKeyLimiter{}
	env := newTestEnv(t, Options{Limiter: lim})

	throttled := 0
	for i := range 20 {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@example.com","password":"x"}`))
		r.RemoteAddr = "198.51.100.9:40000"
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		r.Header.Set("X-Real-IP", fmt.Sprintf("10.0.1.%d", i))
		rec := httptest.NewRecorder()
		env.routes.ServeHTTP(rec, r)
		if rec.Code == http.StatusTooManyRequests {
			throttled++
		}
	}

	assert.Equal(t, 19, throttled)
	assert.Equal(t, map[string]int{"login:198.51.100.9": 20}, lim.seen)
}

func TestClientIP(t *testing.T) {
	h := NewHandler(nil, nil, logging.Nop(), Options{TrustedProxies: []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.0.1/32"),
	}})

	tests := []struct {
		name   string
		remote string
		xff    string
		xrip   string
		want   string
	}{
		{name: "untrusted peer", remote: "203.0.113.5:1234", xff: "1.2.3.4", want: "203.0.113.5"},
		{name: "no port", remote: "203.0.113.5", want: "203.0.113.5"},
		{name: "trusted peer, one hop", remote: "10.1.1.1:1234", xff: "203.0.113.7", want: "203.0.113.7"},
		{name: "spoofed leftmost hop is skipped", remote: "10.1.1.1:1234", xff: "1.1.1.1, 203.0.113.7, 192.168.0.1", want: "203.0.113.7"},
		{name: "all hops trusted", remote: "10.1.1.1:1234", xff: "10.9.9.9, 10.8.8.8", want: "10.9.9.9"},
		{name: "real ip from trusted peer", remote: "10.1.1.1:1234", xrip: "203.0.113.8", want: "203.0.113.8"},
		{name: "garbage header", remote: "10.1.1.1:1234", xff: "not-an-ip", want: "10.1.1.1"},
		{name: "trusted peer without headers", remote: "192.168.0.1:1234", want: "192.168.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xrip != "" {
				r.Header.Set("X-Real-IP", tt.xrip)
			}
			assert.Equal(t, tt.want, h.clientIP(r))
		})
	}
}

func TestRateLimit_TrustedProxyForwardsClientAddress(t *testing.T) {
	lim := &stubLimiter{res: &ratelimit.Result{Allowed: false}}
	env := newTestEnv(t, Options{Limiter: lim, TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}})

	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "10.0.0.2:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []string{"login:203.0.113.7"}, lim.calls)
}

func TestErrorDetail(t *testing.T) {
	boom := errors.New("pq: relation does not exist")

	dev := NewHandler(nil, nil, logging.Nop(), Options{})
	rec := httptest.NewRecorder()
	dev.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), boom)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"detail":"pq: relation does not exist"`)
	assert.Contains(t, rec.Body.String(), `"message":"Internal server error"`)

	prod := NewHandler(nil, nil, logging.Nop(), Options{Production: true})
	rec = httptest.NewRecorder()
	prod.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), boom)
	assert.NotContains(t, rec.Body.String(), "detail")
}
