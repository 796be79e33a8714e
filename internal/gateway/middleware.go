package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ticketmesh/kite/internal/cache"
)

// Logging records method, path, and timing into the context and emits a
// structured access log. Never short-circuits.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req *Request, rc *Context) *Response {
		rc.Values["method"] = req.Method
		rc.Values["path"] = req.Path
		rc.Values["received_at"] = rc.StartTime

		logger.Info("request received",
			"method", req.Method,
			"path", req.Path,
			"remote_addr", req.RemoteAddr,
		)
		return nil
	}
}

// CORS answers preflight requests terminally and annotates all other
// requests with permission headers. It never blocks a non-preflight request.
// Origins match the allow-list exactly, or everything when the list contains
// "*".
func CORS(allowedOrigins []string) Middleware {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(ctx context.Context, req *Request, rc *Context) *Response {
		origin := req.Header("Origin")

		headers := map[string]string{
			"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
			"Access-Control-Allow-Headers": "Content-Type, Authorization",
		}
		switch {
		case allowAll:
			headers["Access-Control-Allow-Origin"] = "*"
		case origin != "" && allowed[origin]:
			headers["Access-Control-Allow-Origin"] = origin
			headers["Vary"] = "Origin"
		}

		if req.Method == http.MethodOptions {
			return &Response{
				StatusCode: http.StatusNoContent,
				Headers:    headers,
			}
		}

		for k, v := range headers {
			rc.ResponseHeaders[k] = v
		}
		return nil
	}
}

// RateLimit enforces a fixed-window counter per client key. Exceeding the
// limit short-circuits with 429 and reset metadata; requests under the limit
// carry the remaining-quota headers.
func RateLimit(c cache.Cache, limit int, window time.Duration) Middleware {
	return func(ctx context.Context, req *Request, rc *Context) *Response {
		key := "ratelimit:" + clientKey(req)

		count, reset, err := c.IncrementCounter(ctx, key, window)
		if err != nil {
			// A broken limiter must not take the API down with it.
			slog.Error("rate limit counter unavailable", "error", err)
			return nil
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}

		if count > int64(limit) {
			retryAfter := int(time.Until(reset).Seconds()) + 1
			return &Response{
				StatusCode: http.StatusTooManyRequests,
				Headers: map[string]string{
					"Content-Type":          "application/json",
					"X-RateLimit-Limit":     strconv.Itoa(limit),
					"X-RateLimit-Remaining": "0",
					"X-RateLimit-Reset":     strconv.FormatInt(reset.Unix(), 10),
					"Retry-After":           strconv.Itoa(retryAfter),
				},
				Body: []byte(`{"error":"rate limit exceeded"}`),
			}
		}

		rc.ResponseHeaders["X-RateLimit-Limit"] = strconv.Itoa(limit)
		rc.ResponseHeaders["X-RateLimit-Remaining"] = strconv.FormatInt(remaining, 10)
		rc.ResponseHeaders["X-RateLimit-Reset"] = strconv.FormatInt(reset.Unix(), 10)
		return nil
	}
}

// clientKey identifies the caller: first forwarded address when present,
// otherwise the remote address without its port.
func clientKey(req *Request) string {
	if fwd := req.Header("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// Auth validates an optional Bearer token. A missing token continues
// unauthenticated, leaving protection decisions to the handlers; a present
// but invalid token short-circuits with 401.
func Auth(secret string) Middleware {
	return func(ctx context.Context, req *Request, rc *Context) *Response {
		header := req.Header("Authorization")
		if header == "" {
			return nil
		}

		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return ErrorResponse(http.StatusUnauthorized, "malformed authorization header")
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return ErrorResponse(http.StatusUnauthorized, "invalid token")
		}

		if sub, err := claims.GetSubject(); err == nil {
			rc.UserID = sub
		}
		if rawRoles, ok := claims["roles"].([]any); ok {
			for _, r := range rawRoles {
				if role, ok := r.(string); ok {
					rc.Roles = append(rc.Roles, role)
				}
			}
		}
		rc.Authenticated = true

		return nil
	}
}

// RequireAuth guards a handler, rejecting unauthenticated requests.
func RequireAuth(handler HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request, rc *Context) *Response {
		if !rc.Authenticated {
			return ErrorResponse(http.StatusUnauthorized, "authentication required")
		}
		return handler(ctx, req, rc)
	}
}
