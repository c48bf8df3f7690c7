package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"shailmann-meeting/internal/room"
	"shailmann-meeting/internal/store"
	"shailmann-meeting/pkg/auth"
	"shailmann-meeting/pkg/metrics"
)

// createRoom makes the sender host and first member and hands back its token
func (h *Hub) createRoom(ctx context.Context, c *Client, m *Message) {
	roomID := m.RoomID
	if roomID == "" {
		roomID = room.NewID()
	}
	if name := cleanName(m.UserName); name != "" {
		c.Name = name
	}

	rm, err := h.store.Create(ctx, roomID, c.ID)
	if err != nil {
		h.storeFail(c, m, err)
		return
	}
	c.rooms[roomID] = struct{}{}

	tok, err := h.tokens.Sign(auth.HostClaims{RoomID: roomID, Session: rm.Session, ConnID: c.ID, Epoch: rm.HostEpoch}, h.tokenTTL)
	if err != nil {
		h.log.Error("host.token", "room", roomID, "err", err)
		h.fail(c, m, CodeInternal, "internal error")
		return
	}

	metrics.RoomsCreated.Inc()
	h.record(store.Event{RoomID: roomID, Session: rm.Session, Kind: store.RoomCreated, ConnID: c.ID, UserName: c.Name})
	h.log.Info("room.created", "room", roomID, "host", c.ID)
	h.send(c, &Message{Type: TypeRoomCreated, RoomID: roomID, SocketID: c.ID, Token: tok})
}

// checkRoom answers whether a room exists, echoing the ack id
func (h *Hub) checkRoom(ctx context.Context, c *Client, m *Message) {
	ok, err := h.store.Exists(ctx, m.RoomID)
	if err != nil {
		h.storeFail(c, m, err)
		return
	}
	h.send(c, &Message{Type: TypeCheckRoomResult, RoomID: m.RoomID, AckID: m.AckID, Payload: jsonBool(ok)})
}

// requestEntry stores a knock and forwards it to the room's current host
func (h *Hub) requestEntry(ctx context.Context, c *Client, m *Message) {
	rm, err := h.store.Get(ctx, m.RoomID)
	if err != nil {
		h.storeFail(c, m, err)
		return
	}
	if rm.Has(c.ID) {
		h.fail(c, m, CodeBadRequest, "already in this room")
		return
	}
	if name := cleanName(m.UserName); name != "" {
		c.Name = name
	}

	req := room.Request{ID: uuid.NewString(), RoomID: rm.ID, GuestID: c.ID, UserName: c.Name}
	if err := h.store.AddPending(ctx, req); err != nil {
		h.storeFail(c, m, err)
		return
	}

	h.send(c, &Message{Type: TypeEntryPending, RoomID: rm.ID, RequestID: req.ID})
	h.deliver(ctx, rm.HostID, entryRequested(req))
	h.record(store.Event{RoomID: rm.ID, Session: rm.Session, Kind: store.EntryRequested, ConnID: c.ID, UserName: c.Name, Detail: req.ID})
	h.log.Info("entry.requested", "room", rm.ID, "guest", c.ID, "request", req.ID)
}

// adminAction applies a host decision to one pending request. The token must
// name this incarnation of the room, its current host and host epoch. The
// request is consumed, so a second decision for the same request is rejected.
func (h *Hub) adminAction(ctx context.Context, c *Client, m *Message) {
	approve, ok := decision(m.Action)
	if !ok {
		h.fail(c, m, CodeBadRequest, "action must be approve or deny")
		return
	}
	claims, err := h.tokens.Verify(m.Token)
	if err != nil {
		h.fail(c, m, CodeNotHost, "invalid host token")
		return
	}
	roomID := m.RoomID
	if roomID == "" {
		roomID = claims.RoomID
	}
	if claims.RoomID != roomID {
		h.fail(c, m, CodeNotHost, "host token is for another room")
		return
	}

	rm, err := h.store.Get(ctx, roomID)
	if err != nil {
		h.storeFail(c, m, err)
		return
	}
	if !rm.Governs(claims.Session, claims.ConnID, claims.Epoch) {
		h.fail(c, m, CodeNotHost, "host token is stale")
		return
	}

	req, err := h.store.TakePending(ctx, roomID, m.RequestID)
	if err != nil {
		h.storeFail(c, m, err)
		return
	}

	typ, kind, outcome := TypeEntryDenied, store.EntryDenied, "denied"
	if approve {
		typ, kind, outcome = TypeEntryApproved, store.EntryApproved, "approved"
	}
	if !h.deliver(ctx, req.GuestID, &Message{Type: typ, RoomID: roomID, RequestID: req.ID}) {
		outcome = "stale"
	}
	metrics.Decisions.WithLabelValues(outcome).Inc()
	h.record(store.Event{RoomID: roomID, Session: rm.Session, Kind: kind, ConnID: req.GuestID, UserName: req.UserName, Detail: req.ID})
	h.log.Info("entry.decided", "room", roomID, "guest", req.GuestID, "request", req.ID, "outcome", outcome)
}

// joinRoomFinal adds an approved guest (or the host) to the room
func (h *Hub) joinRoomFinal(ctx context.Context, c *Client, m *Message) {
	rm, err := h.store.Get(ctx, m.RoomID)
	if err != nil {
		h.storeFail(c, m, err)
		return
	}
	if _, ok := c.admitted[rm.ID]; !ok && rm.HostID != c.ID {
		h.fail(c, m, CodeNotAdmitted, "entry not approved")
		return
	}
	if name := cleanName(m.UserName); name != "" {
		c.Name = name
	}

	already := rm.Has(c.ID)
	rm, err = h.store.AddMember(ctx, rm.ID, c.ID)
	if err != nil {
		h.storeFail(c, m, err)
		return
	}
	c.rooms[rm.ID] = struct{}{}
	delete(c.admitted, rm.ID)

	members, _ := json.Marshal(rm.Members)
	h.send(c, &Message{Type: TypeRoomJoined, RoomID: rm.ID, SocketID: c.ID, Payload: members})
	if already {
		return
	}
	h.broadcast(ctx, rm.ID, c.ID, &Message{Type: TypeUserConnected, RoomID: rm.ID, SocketID: c.ID, UserName: c.Name})
	h.record(store.Event{RoomID: rm.ID, Session: rm.Session, Kind: store.MemberJoined, ConnID: c.ID, UserName: c.Name})
	h.log.Info("room.joined", "room", rm.ID, "conn", c.ID, "members", len(rm.Members))
}

func entryRequested(req room.Request) *Message {
	return &Message{
		Type:      TypeEntryRequested,
		RoomID:    req.RoomID,
		RequestID: req.ID,
		SocketID:  req.GuestID,
		UserName:  req.UserName,
	}
}

func jsonBool(b bool) json.RawMessage {
	if b {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}
