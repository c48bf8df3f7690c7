package ws

import "context"

// relay forwards a negotiation message (offer, answer, candidate) to its
// target without looking at the payload. Offers also carry the sender's name.
// Unknown or departed targets are dropped silently.
func (h *Hub) relay(ctx context.Context, c *Client, event string, m *Message) {
	if m.TargetID == "" {
		h.fail(c, m, CodeBadRequest, "targetId required")
		return
	}
	out := &Message{Type: event, SenderID: c.ID, Payload: m.Payload}
	if event == TypeOffer {
		out.UserName = c.Name
		if name := cleanName(m.UserName); name != "" {
			out.UserName = name
		}
	}
	h.deliver(ctx, m.TargetID, out)
}

// roomEvent fans screen-share status, chat and reactions out to the rest of a room
func (h *Hub) roomEvent(ctx context.Context, c *Client, event string, m *Message) {
	if !c.inRoom(m.RoomID) {
		h.fail(c, m, CodeNotMember, "not a member of this room")
		return
	}
	var out *Message
	switch event {
	case TypeStartShare:
		out = &Message{Type: TypeShareStarted, RoomID: m.RoomID, SocketID: c.ID}
	case TypeStopShare:
		out = &Message{Type: TypeShareStopped, RoomID: m.RoomID, SocketID: c.ID}
	default:
		out = &Message{Type: event, RoomID: m.RoomID, SenderID: c.ID, UserName: c.Name, Payload: m.Payload}
	}
	h.broadcast(ctx, m.RoomID, c.ID, out)
}
