package store

import "time"

// Event kinds written to the meeting log
const (
	RoomCreated     = "room.created"
	RoomClosed      = "room.closed"
	MemberJoined    = "member.joined"
	MemberLeft      = "member.left"
	EntryRequested  = "entry.requested"
	EntryApproved   = "entry.approved"
	EntryDenied     = "entry.denied"
	HostTransferred = "host.transferred"
)

// Event is one meeting log entry. Session tells apart rooms that reused a name.
type Event struct {
	ID       int64     `json:"id"`
	RoomID   string    `json:"roomId"`
	Session  string    `json:"-"`
	Kind     string    `json:"kind"`
	ConnID   string    `json:"connId"`
	UserName string    `json:"userName,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
