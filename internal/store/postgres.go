package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"log/slog"
	"shailmann-meeting/internal/app"
)

// Postgres is the meeting event log
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres connects to postgres and returns a pool wrapper
func NewPostgres(ctx context.Context, cfg app.Config, log *slog.Logger) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PGURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg url: %w", err)
	}
	if cfg.PGMaxConn > 0 {
		pcfg.MaxConns = int32(cfg.PGMaxConn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Ping reports whether the database is reachable
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// RecordEvent appends one event to the log
func (p *Postgres) RecordEvent(ctx context.Context, e Event) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO meeting_events (room_id, session, kind, conn_id, user_name, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
	`, e.RoomID, e.Session, e.Kind, e.ConnID, e.UserName, e.Detail, nullTime(e))
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Kind, err)
	}
	return nil
}

// ListEvents returns the events of one session of a room, newest first
func (p *Postgres) ListEvents(ctx context.Context, roomID, session string, limit int) ([]Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, room_id, session, kind, conn_id, user_name, detail, at
		FROM meeting_events
		WHERE room_id = $1 AND session = $2
		ORDER BY at DESC, id DESC
		LIMIT $3
	`, roomID, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Session, &e.Kind, &e.ConnID, &e.UserName, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(e Event) any {
	if e.At.IsZero() {
		return nil
	}
	return e.At
}
