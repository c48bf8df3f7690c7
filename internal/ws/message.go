package ws

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Client to server
const (
	TypeCreateRoom    = "create-room"
	TypeCheckRoom     = "check-room"
	TypeRequestEntry  = "request-entry"
	TypeAdminAction   = "admin-action"
	TypeJoinRoomFinal = "join-room-final"
	TypeLeaveRoom     = "leave-room"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeCandidate     = "candidate"
	TypeStartShare    = "start-screen-share"
	TypeStopShare     = "stop-screen-share"
	TypeChat          = "chat-message"
	TypeReaction      = "reaction"
)

// Server to client
const (
	TypeWelcome          = "welcome"
	TypeRoomCreated      = "room-created"
	TypeCheckRoomResult  = "check-room-result"
	TypeEntryRequested   = "entry-requested"
	TypeEntryPending     = "entry-pending"
	TypeEntryApproved    = "entry-approved"
	TypeEntryDenied      = "entry-denied"
	TypeRoomJoined       = "room-joined"
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"
	TypeShareStarted     = "screen-share-started"
	TypeShareStopped     = "screen-share-stopped"
	TypeHostAssigned     = "host-assigned"
	TypeHostChanged      = "host-changed"
	TypeError            = "error"
)

// Error codes carried in error messages
const (
	CodeBadRequest      = "bad-request"
	CodeRoomNotFound    = "room-not-found"
	CodeRoomExists      = "room-exists"
	CodeNotHost         = "not-host"
	CodeNotAdmitted     = "not-admitted"
	CodeNotMember       = "not-member"
	CodeRequestNotFound = "request-not-found"
	CodeRateLimited     = "rate-limited"
	CodeInternal        = "internal"
)

// aliases used by older clients
var aliases = map[string]string{
	"join-room":     TypeCreateRoom,
	"knock-room":    TypeRequestEntry,
	"respond-knock": TypeAdminAction,
}

// Message is the single envelope for every websocket frame in both directions.
// Payload is opaque and forwarded as received.
type Message struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	SocketID  string          `json:"socketId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Action    string          `json:"action,omitempty"`
	Token     string          `json:"token,omitempty"`
	AckID     string          `json:"ackId,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// sender, set by the read loop and never serialized
	client *Client
}

// canonical maps alias event names onto the ones the hub dispatches on
func canonical(typ string) string {
	if c, ok := aliases[typ]; ok {
		return c
	}
	return typ
}

// decision parses an admin action; ok is false for unknown actions
func decision(action string) (approve bool, ok bool) {
	switch strings.ToLower(action) {
	case "approve", "accept":
		return true, true
	case "deny", "reject":
		return false, true
	}
	return false, false
}

const maxNameRunes = 64

// cleanName trims and caps a display name
func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxNameRunes {
		s = string([]rune(s)[:maxNameRunes])
	}
	return s
}

// encode writes v as JSON without HTML escaping so relayed payloads keep their
// bytes, both on the socket and on the bus
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// decode parses one inbound frame
func decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
