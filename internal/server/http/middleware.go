package http

import (
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	msgTokenRequired      = "Access token is required"
	msgAuthRequired       = "Authentication required"
	msgInsufficientRights = "Insufficient permissions"
	msgTooManyRequests    = "Too many requests, please try again later"

	bearerPrefix             = common.BearerScheme + " "
	rateLimitRemainingHeader = "X-RateLimit-Remaining"
)

// Role sets accepted by RequireRole. They are unions, not a hierarchy.
var (
	AdminOnly    = []models.Role{models.RoleAdmin}
	AgentOrAdmin = []models.Role{models.RoleAgent, models.RoleAdmin}
	OwnerOrAdmin = []models.Role{models.RoleOwner, models.RoleAdmin}
)

// bearerToken extracts the token of an "Authorization: Bearer <token>"
// header, or "" when the header is absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get(common.AuthorizationHeaderName)
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

func (h *Handler) withIdentity(r *http.Request, id *auth.Identity) *http.Request {
	ctx := auth.WithIdentity(r.Context(), id)
	ctx = logging.ContextWithAttrs(ctx, "user_id", id.UserID)
	return r.WithContext(ctx)
}

// Authenticate rejects requests without a valid access token of an active
// user and attaches the caller identity to the request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.writeError(w, r, common.Authentication(msgTokenRequired))
			return
		}

		id, err := h.users.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, h.withIdentity(r, id))
	})
}

// OptionalAuthenticate attaches the identity when a valid token is present
// and otherwise lets the request through anonymously.
func (h *Handler) OptionalAuthenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			if id, err := h.users.Authenticate(r.Context(), token); err == nil {
				r = h.withIdentity(r, id)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits callers whose role is in roles. It must run after
// Authenticate.
func (h *Handler) RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				h.writeError(w, r, common.Authentication(msgAuthRequired))
				return
			}
			if !slices.Contains(roles, id.Role) {
				h.writeError(w, r, common.Authorization(msgInsufficientRights))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit throttles requests per client IP within scope. Limiter
// failures let the request through.
func (h *Handler) RateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if h.limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := h.limiter.Allow(r.Context(), scope+":"+h.clientIP(r))
			if err != nil {
				h.logger.Warn(r.Context(), "rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set(rateLimitRemainingHeader, strconv.Itoa(res.Remaining))
			if !res.Allowed {
				if res.RetryAfter > 0 {
					secs := int((res.RetryAfter + time.Second - 1) / time.Second)
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				h.writeError(w, r, common.RateLimited(msgTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the address requests are throttled by. It is the TCP
// peer unless the peer is a trusted proxy, in which case the nearest
// untrusted hop of X-Forwarded-For (or X-Real-IP) is used.
func (h *Handler) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !h.trusted(peer) {
		return host
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !h.trusted(addr) || i == 0 {
				return addr.Unmap().String()
			}
		}
	}
	if xrip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xrip.Unmap().String()
	}
	return host
}

func (h *Handler) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range h.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// accessLog logs one line per request with the chi request id.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		r = r.WithContext(logging.ContextWithAttrs(r.Context(), "request_id", reqID))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.logger.Info(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	})
}
