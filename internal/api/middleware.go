package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/auth"
	"github.com/xtrntr/tradepro/internal/cache"
	"github.com/xtrntr/tradepro/internal/id"
	"github.com/xtrntr/tradepro/internal/metrics"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	requestIDKey
)

// SessionFrom returns the authenticated session stored by the JWT middleware.
func SessionFrom(ctx context.Context) (*auth.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*auth.Session)
	return sess, ok && sess != nil
}

// RequestID returns the id assigned by RequestLogger, or "".
func RequestID(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// JWTAuthMiddleware verifies the bearer token and stores the session in the
// request context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return h.authenticate(next, false)
}

// WSAuthMiddleware is JWTAuthMiddleware that also accepts ?token= since
// browsers cannot set headers on a websocket handshake.
func (h *Handler) WSAuthMiddleware(next http.Handler) http.Handler {
	return h.authenticate(next, true)
}

func (h *Handler) authenticate(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && allowQuery {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			h.writeError(w, r, xerrors.Wrap(xerrors.ErrUnauthorized, "authorization header required"))
			return
		}

		sess, err := h.Auth.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RoleChecker is the server-side role lookup.
type RoleChecker interface {
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}

// RequireAdmin rejects callers without the admin role. It must run after
// JWTAuthMiddleware.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFrom(r.Context())
		if !ok {
			h.writeError(w, r, xerrors.Wrap(xerrors.ErrUnauthorized, "authentication required"))
			return
		}
		isAdmin, err := h.Roles.HasRole(r.Context(), sess.UserID, models.RoleAdmin)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !isAdmin {
			h.writeError(w, r, xerrors.Wrap(xerrors.ErrForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys on the connection address. Behind a trusted proxy the router
// installs middleware.RealIP, which rewrites RemoteAddr from the proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter allows limit requests per window per client IP. A client over
// the limit is blocked for blockDuration. Cache failures let traffic through.
func RateLimiter(c cache.Cache, limit int, window, blockDuration time.Duration, prefix string) func(http.Handler) http.Handler {
	blockedNS := prefix + ":blocked"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			client := clientIP(r)

			if _, err := c.Get(ctx, blockedNS, client); err == nil {
				ttl, _ := c.TTL(ctx, blockedNS, client)
				w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
				writeErrorBody(w, http.StatusTooManyRequests, "too_many_requests", "too many requests, try again in "+ttl.Round(time.Second).String())
				return
			} else if !errors.Is(err, cache.ErrMiss) {
				next.ServeHTTP(w, r)
				return
			}

			count, err := c.IncrWithExpire(ctx, prefix, client, window)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if count > int64(limit) {
				_ = c.Set(ctx, blockedNS, client, "1", blockDuration)
				w.Header().Set("Retry-After", strconv.Itoa(int(blockDuration.Seconds())))
				writeErrorBody(w, http.StatusTooManyRequests, "too_many_requests", "too many requests, blocked for "+blockDuration.String())
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limit-int(count)))
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger assigns a request id, logs each request and records the
// HTTP metrics.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := id.New()
			w.Header().Set("X-Request-ID", rid)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

			logger.Info("request",
				zap.String("request_id", rid),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed))
		})
	}
}
