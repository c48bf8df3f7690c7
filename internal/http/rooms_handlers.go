package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"shailmann-meeting/internal/room"
	"shailmann-meeting/internal/store"
	"shailmann-meeting/pkg/auth"
)

// EventLog reads the meeting log; *store.Postgres satisfies it
type EventLog interface {
	ListEvents(ctx context.Context, roomID, session string, limit int) ([]store.Event, error)
}

// RoomsAPI serves room lookups and the meeting log. History may be nil.
type RoomsAPI struct {
	Rooms   room.Store
	History EventLog
	Log     *slog.Logger
}

type roomResponse struct {
	RoomID string `json:"roomId"`
	Exists bool   `json:"exists"`
}

type hostResponse struct {
	RoomID   string `json:"roomId"`
	SocketID string `json:"socketId"`
	Epoch    int64  `json:"epoch"`
	Current  bool   `json:"current"`
}

// Get reports whether a room exists
func (a *RoomsAPI) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := a.Rooms.Exists(r.Context(), id)
	if err != nil {
		http.Error(w, "room lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, roomResponse{RoomID: id, Exists: ok})
}

// Host describes the caller's host token and whether it still governs the room
func (a *RoomsAPI) Host(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.Host(r.Context())
	current, err := a.current(r, c)
	if err != nil {
		http.Error(w, "room lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, hostResponse{RoomID: c.RoomID, SocketID: c.ConnID, Epoch: c.Epoch, Current: current})
}

// Events returns up to ?limit= (default 100, max 500) log entries of the
// token's room session, newest first. While the room is live only its current
// host may read them.
func (a *RoomsAPI) Events(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		http.NotFound(w, r)
		return
	}
	c, _ := auth.Host(r.Context())
	current, err := a.current(r, c)
	if err != nil {
		http.Error(w, "room lookup failed", http.StatusInternalServerError)
		return
	}
	live, _ := a.Rooms.Exists(r.Context(), c.RoomID)
	if live && !current {
		http.Error(w, "host token is stale", http.StatusForbidden)
		return
	}

	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 500)
	}
	events, err := a.History.ListEvents(r.Context(), c.RoomID, c.Session, limit)
	if err != nil {
		a.Log.Error("events.list", "room", c.RoomID, "err", err)
		http.Error(w, "event log unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, events)
}

// current reports whether c is the token of the room's present host
func (a *RoomsAPI) current(r *http.Request, c auth.HostClaims) (bool, error) {
	rm, err := a.Rooms.Get(r.Context(), c.RoomID)
	if errors.Is(err, room.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rm.Governs(c.Session, c.ConnID, c.Epoch), nil
}

// send JSON with proper headers
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
