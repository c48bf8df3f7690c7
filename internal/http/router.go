package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"shailmann-meeting/internal/app"
	"shailmann-meeting/internal/room"
	"shailmann-meeting/internal/store"
	"shailmann-meeting/internal/ws"
	"shailmann-meeting/pkg/auth"
	"shailmann-meeting/pkg/metrics"
)

// NewRouter wires up all HTTP routes, middleware, and handlers. db may be nil.
func NewRouter(cfg app.Config, logger *slog.Logger, hub *ws.Hub, rooms room.Store, tokens *auth.JWT, db *store.Postgres) http.Handler {
	mw := NewMiddleware(cfg, tokens)
	api := &RoomsAPI{Rooms: rooms, Log: logger}
	if db != nil {
		api.History = db
	}

	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("GET /readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := rooms.Exists(ctx, "readyz"); err != nil {
			logger.Warn("readyz.rooms", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				logger.Warn("readyz.postgres", "err", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(200)
	}))
	mux.Handle("GET /metrics", metrics.Handler())

	// WebSocket endpoint
	mux.Handle("GET /ws", mw.Limit(http.HandlerFunc(hub.ServeWS)))

	// Room endpoints
	mux.Handle("GET /api/rooms/{id}", http.HandlerFunc(api.Get))
	mux.Handle("GET /api/rooms/{id}/host", mw.HostAuth(http.HandlerFunc(api.Host)))
	mux.Handle("GET /api/rooms/{id}/events", mw.HostAuth(http.HandlerFunc(api.Events)))

	// Client entry page + assets
	mux.Handle("/", staticHandler(cfg.StaticDir))

	return mw.Wrap(mux) // CORS applied globally
}
