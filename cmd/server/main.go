package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	app "shailmann-meeting/internal/app"
	httpx "shailmann-meeting/internal/http"
	room "shailmann-meeting/internal/room"
	store "shailmann-meeting/internal/store"
	ws "shailmann-meeting/internal/ws"
	"shailmann-meeting/pkg/auth"
	"shailmann-meeting/pkg/ratelimit"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	logger := app.NewLogger(cfg.Env)

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tokens := auth.New(cfg.TokenSecret)
	limiter := ratelimit.New(cfg.MsgRate, time.Second)
	opts := ws.Options{
		Tokens:     tokens,
		TokenTTL:   cfg.TokenTTL,
		Limiter:    limiter,
		Origins:    cfg.OriginHosts(),
		SendBuffer: cfg.SendBuffer,
	}

	// Room state: Redis when configured (shared across instances), memory otherwise
	var rooms room.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()

		bus, err := ws.NewRedisBus(ctx, rdb, logger)
		if err != nil {
			logger.Error("redis connect", "err", err)
			log.Fatal(err)
		}
		rooms = room.NewRedis(rdb, cfg.RoomTTL)
		opts.Bus = bus
		logger.Info("rooms.redis", "addr", cfg.RedisAddr)
	} else {
		rooms = room.NewMemory()
		logger.Info("rooms.memory")
	}
	opts.Store = rooms

	// Optional Postgres meeting log + migrations
	var pg *store.Postgres
	if cfg.PGURL != "" {
		var err error
		pg, err = store.NewPostgres(ctx, cfg, logger)
		if err != nil {
			logger.Error("postgres connect", "err", err)
			log.Fatal(err)
		}
		defer pg.Close()
		if err := store.RunMigrations(ctx, pg, logger); err != nil {
			logger.Error("migrations", "err", err)
			log.Fatal(err)
		}
		opts.Auditor = pg
	}

	// WebSocket hub
	hub := ws.NewHub(logger, opts)
	go hub.Run(ctx)
	go sweep(ctx, limiter)

	// HTTP + WS router
	router := httpx.NewRouter(cfg, logger, hub, rooms, tokens, pg)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("server.shutdown.start")

	// shutdown
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("server.shutdown.complete")
	_ = os.Stdout.Sync()
}

// sweep drops idle limiter buckets so closed connections do not pile up
func sweep(ctx context.Context, l *ratelimit.Limiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
