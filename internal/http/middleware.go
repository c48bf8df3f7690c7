package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"shailmann-meeting/internal/app"
	"shailmann-meeting/pkg/auth"
	"shailmann-meeting/pkg/ratelimit"
)

type Middleware struct {
	cors   *cors.Cors
	auth   *auth.JWT
	rlimit *ratelimit.Limiter
}

// NewMiddleware builds the shared middleware stack from config
func NewMiddleware(cfg app.Config, tokens *auth.JWT) *Middleware {
	return &Middleware{
		cors: cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSAllow,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}),
		auth:   tokens,
		rlimit: ratelimit.New(cfg.WSRate, time.Minute),
	}
}

// Wrap applies CORS to every handler
func (m *Middleware) Wrap(h http.Handler) http.Handler {
	return m.cors.Handler(h)
}

// Limit applies the per-IP rate limit
func (m *Middleware) Limit(h http.Handler) http.Handler {
	return m.rlimit.Middleware(h)
}

// HostAuth requires a host token for the room named in the path and adds
// its claims to the request context
func (m *Middleware) HostAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := r.Header.Get("Authorization")
		if !strings.HasPrefix(b, "Bearer ") {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		claims, err := m.auth.Verify(strings.TrimPrefix(b, "Bearer "))
		if err != nil {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		if claims.RoomID != r.PathValue("id") {
			http.Error(w, "token is for another room", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithHost(r.Context(), claims)))
	})
}
