// Package room holds meeting room state: who hosts a room, who is in it,
// and which entry requests are still waiting for a host decision.
package room

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"time"
)

var (
	ErrNotFound        = errors.New("room not found")
	ErrExists          = errors.New("room already exists")
	ErrRequestNotFound = errors.New("entry request not found")
	ErrInvalidID       = errors.New("invalid room id")
)

// Room is a snapshot; mutating it does not change the store
type Room struct {
	ID        string
	Session   string // random, new each time a room with this ID is created
	HostID    string
	HostEpoch int64
	Members   []string // ordered by join
	CreatedAt time.Time
}

// Has reports whether connID is a member
func (r Room) Has(connID string) bool {
	for _, m := range r.Members {
		if m == connID {
			return true
		}
	}
	return false
}

// Governs reports whether a host token for (session, connID, epoch) is the
// one currently in charge of this room
func (r Room) Governs(session, connID string, epoch int64) bool {
	return session != "" && session == r.Session && connID == r.HostID && epoch == r.HostEpoch
}

// Request is a guest's pending knock on a room
type Request struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	GuestID   string    `json:"guestId"`
	UserName  string    `json:"userName"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the room registry shared by every connection handler.
// Create makes the host the first member. RemoveMember deletes the room,
// and its pending requests, when the last member leaves and reports it.
// TakePending hands a request to exactly one caller.
type Store interface {
	Create(ctx context.Context, roomID, hostID string) (Room, error)
	Get(ctx context.Context, roomID string) (Room, error)
	Exists(ctx context.Context, roomID string) (bool, error)
	AddMember(ctx context.Context, roomID, connID string) (Room, error)
	RemoveMember(ctx context.Context, roomID, connID string) (Room, bool, error)
	SetHost(ctx context.Context, roomID, hostID string) (Room, error)
	AddPending(ctx context.Context, req Request) error
	TakePending(ctx context.Context, roomID, requestID string) (Request, error)
	ListPending(ctx context.Context, roomID string) ([]Request, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id can name a room
func ValidID(id string) bool { return idPattern.MatchString(id) }

// NewID returns a random 16 char hex room id
func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
