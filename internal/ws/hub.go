package ws

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"log/slog"
	"shailmann-meeting/internal/room"
	"shailmann-meeting/internal/store"
	"shailmann-meeting/pkg/auth"
	"shailmann-meeting/pkg/metrics"
	"shailmann-meeting/pkg/ratelimit"
)

// Options wires the hub's collaborators. Store and Tokens are required.
type Options struct {
	Store      room.Store
	Tokens     *auth.JWT
	TokenTTL   time.Duration
	Bus        Bus                // nil: single instance, no fan-out
	Auditor    Auditor            // nil: no meeting log
	Limiter    *ratelimit.Limiter // per-connection inbound messages, nil: unlimited
	Origins    []string           // websocket origin patterns
	SendBuffer int
	OpTimeout  time.Duration // per store call
}

// Hub is the dispatcher. Run is the only goroutine that reads or writes the
// connection registry and the per-connection room sets, so handlers never
// interleave.
type Hub struct {
	log      *slog.Logger
	store    room.Store
	tokens   *auth.JWT
	tokenTTL time.Duration
	bus      Bus
	auditor  Auditor
	limiter  *ratelimit.Limiter
	origins  []string
	sendBuf  int
	opTO     time.Duration
	instance string

	register   chan *Client
	unregister chan *Client
	inbound    chan *Message
	remote     chan BusMessage
	events     chan store.Event
	done       chan struct{}

	clients map[string]*Client // live connections on this instance by id
}

// NewHub sets up the hub with its store, token signer + optional bus and auditor
func NewHub(logger *slog.Logger, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	if len(opts.Origins) == 0 {
		opts.Origins = []string{"*"}
	}
	return &Hub{
		log:        logger,
		store:      opts.Store,
		tokens:     opts.Tokens,
		tokenTTL:   opts.TokenTTL,
		bus:        opts.Bus,
		auditor:    opts.Auditor,
		limiter:    opts.Limiter,
		origins:    opts.Origins,
		sendBuf:    opts.SendBuffer,
		opTO:       opts.OpTimeout,
		instance:   uuid.NewString(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *Message, 1024),
		remote:     make(chan BusMessage, 1024),
		events:     make(chan store.Event, 256),
		done:       make(chan struct{}),
		clients:    map[string]*Client{},
	}
}

// Run dispatches connection events until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.bus != nil {
		go h.bus.Subscribe(ctx, func(m BusMessage) {
			select {
			case h.remote <- m:
			case <-ctx.Done():
			}
		})
	}
	if h.auditor != nil {
		go h.auditLoop(ctx)
	}

	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(ctx, c)
		case m := <-h.inbound:
			h.handle(ctx, m)
		case bm := <-h.remote:
			h.onRemote(bm)
		case <-ctx.Done():
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = map[string]*Client{}
			h.log.Info("hub.stopped")
			return
		}
	}
}

// ServeWS handles a new /ws connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := Accept(w, r, h.origins)
	if err != nil {
		h.log.Error("ws.accept", "err", err)
		return
	}

	c := NewClient(uuid.NewString(), conn, h.sendBuf)
	select {
	case h.register <- c:
	case <-h.done:
		_ = c.Close()
		return
	}

	// Outbound writer
	go c.WriteLoop(ctx)

	// Inbound reader, one message at a time so per-connection order holds
	for {
		payload, ok := c.Read(ctx)
		if !ok {
			break
		}
		m, err := decode(payload)
		if err != nil {
			m = &Message{}
		}
		m.client = c
		select {
		case h.inbound <- m:
		case <-h.done:
			return
		}
	}

	select {
	case h.unregister <- c:
	case <-h.done:
	}
	_ = c.Close()
}

// add registers a connection and tells it its id
func (h *Hub) add(c *Client) {
	h.clients[c.ID] = c
	metrics.Connections.Inc()
	h.log.Debug("conn.registered", "conn", c.ID)
	h.send(c, &Message{Type: TypeWelcome, SocketID: c.ID})
}

// remove unregisters a connection and leaves every room it was in
func (h *Hub) remove(ctx context.Context, c *Client) {
	if h.clients[c.ID] != c {
		return
	}
	delete(h.clients, c.ID)
	close(c.send)
	metrics.Connections.Dec()
	if h.limiter != nil {
		h.limiter.Forget(c.ID)
	}

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		opCtx, cancel := context.WithTimeout(ctx, h.opTO)
		h.leave(opCtx, c, id)
		cancel()
	}
	h.log.Debug("conn.unregistered", "conn", c.ID, "rooms", len(ids))
}

// handle dispatches one inbound message from a local connection
func (h *Hub) handle(ctx context.Context, m *Message) {
	c := m.client
	if c == nil || h.clients[c.ID] != c {
		return
	}
	typ := canonical(m.Type)
	metrics.Messages.WithLabelValues(metricLabel(typ)).Inc()

	if h.limiter != nil && !h.limiter.Allow(c.ID) {
		h.fail(c, m, CodeRateLimited, "too many messages")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.opTO)
	defer cancel()

	switch typ {
	case TypeCreateRoom:
		h.createRoom(ctx, c, m)
	case TypeCheckRoom:
		h.checkRoom(ctx, c, m)
	case TypeRequestEntry:
		h.requestEntry(ctx, c, m)
	case TypeAdminAction:
		h.adminAction(ctx, c, m)
	case TypeJoinRoomFinal:
		h.joinRoomFinal(ctx, c, m)
	case TypeLeaveRoom:
		if !c.inRoom(m.RoomID) {
			h.fail(c, m, CodeNotMember, "not a member of this room")
			return
		}
		h.leave(ctx, c, m.RoomID)
	case TypeOffer, TypeAnswer, TypeCandidate:
		h.relay(ctx, c, typ, m)
	case TypeStartShare, TypeStopShare, TypeChat, TypeReaction:
		h.roomEvent(ctx, c, typ, m)
	case "":
		h.fail(c, m, CodeBadRequest, "malformed message")
	default:
		h.fail(c, m, CodeBadRequest, "unknown message type "+m.Type)
	}
}

// leave removes c from one room, notifies the rest of that room only, and
// hands hosting to the earliest remaining member if c was the host
func (h *Hub) leave(ctx context.Context, c *Client, roomID string) {
	delete(c.rooms, roomID)
	delete(c.admitted, roomID)

	rm, deleted, err := h.store.RemoveMember(ctx, roomID, c.ID)
	if errors.Is(err, room.ErrNotFound) {
		return
	}
	if err != nil {
		h.log.Error("room.leave", "room", roomID, "conn", c.ID, "err", err)
		return
	}
	h.record(store.Event{RoomID: roomID, Session: rm.Session, Kind: store.MemberLeft, ConnID: c.ID, UserName: c.Name})

	if deleted {
		metrics.RoomsClosed.Inc()
		h.record(store.Event{RoomID: roomID, Session: rm.Session, Kind: store.RoomClosed, ConnID: c.ID})
		h.log.Info("room.closed", "room", roomID)
		return
	}

	h.broadcast(ctx, roomID, c.ID, &Message{Type: TypeUserDisconnected, RoomID: roomID, SocketID: c.ID})
	if rm.HostID == c.ID && len(rm.Members) > 0 {
		h.transferHost(ctx, rm)
	}
}

// transferHost promotes the earliest-joined member, invalidating older tokens
func (h *Hub) transferHost(ctx context.Context, rm room.Room) {
	next := rm.Members[0]
	updated, err := h.store.SetHost(ctx, rm.ID, next)
	if err != nil {
		h.log.Error("host.transfer", "room", rm.ID, "err", err)
		return
	}
	rm = updated
	tok, err := h.tokens.Sign(auth.HostClaims{RoomID: rm.ID, Session: rm.Session, ConnID: next, Epoch: rm.HostEpoch}, h.tokenTTL)
	if err != nil {
		h.log.Error("host.token", "room", rm.ID, "err", err)
		return
	}

	h.deliver(ctx, next, &Message{Type: TypeHostAssigned, RoomID: rm.ID, SocketID: next, Token: tok})
	h.broadcast(ctx, rm.ID, next, &Message{Type: TypeHostChanged, RoomID: rm.ID, SocketID: next})

	pending, err := h.store.ListPending(ctx, rm.ID)
	if err != nil {
		h.log.Error("host.pending", "room", rm.ID, "err", err)
	}
	for _, req := range pending {
		h.deliver(ctx, next, entryRequested(req))
	}
	h.record(store.Event{RoomID: rm.ID, Session: rm.Session, Kind: store.HostTransferred, ConnID: next})
	h.log.Info("host.transferred", "room", rm.ID, "host", next, "epoch", rm.HostEpoch, "pending", len(pending))
}

// send queues m for a local connection, dropping it if the queue is full.
// A guest counts as admitted only once its approval is actually queued.
func (h *Hub) send(c *Client, m *Message) {
	select {
	case c.send <- m:
		if m.Type == TypeEntryApproved {
			c.admitted[m.RoomID] = struct{}{}
		}
	default:
		metrics.Dropped.WithLabelValues("slow").Inc()
		h.log.Warn("conn.slow", "conn", c.ID, "type", m.Type)
	}
}

// deliver sends m to one connection wherever it lives. It returns false when
// the target is known to be gone; with a bus the remote side decides.
func (h *Hub) deliver(ctx context.Context, targetID string, m *Message) bool {
	if c := h.clients[targetID]; c != nil {
		h.send(c, m)
		return true
	}
	if h.bus != nil {
		if err := h.bus.Publish(ctx, BusMessage{Origin: h.instance, TargetID: targetID, Message: m}); err != nil {
			h.log.Error("bus.publish", "target", targetID, "err", err)
			return false
		}
		return true
	}
	metrics.Dropped.WithLabelValues("stale").Inc()
	h.log.Debug("relay.drop", "target", targetID, "type", m.Type)
	return false
}

// broadcast sends m to every member of roomID except excludeID
func (h *Hub) broadcast(ctx context.Context, roomID, excludeID string, m *Message) {
	h.broadcastLocal(roomID, excludeID, m)
	if h.bus != nil {
		err := h.bus.Publish(ctx, BusMessage{Origin: h.instance, RoomID: roomID, ExcludeID: excludeID, Message: m})
		if err != nil {
			h.log.Error("bus.publish", "room", roomID, "err", err)
		}
	}
}

func (h *Hub) broadcastLocal(roomID, excludeID string, m *Message) {
	for id, c := range h.clients {
		if id != excludeID && c.inRoom(roomID) {
			h.send(c, m)
		}
	}
}

// onRemote delivers a message published by another instance
func (h *Hub) onRemote(bm BusMessage) {
	if bm.Origin == h.instance || bm.Message == nil {
		return
	}
	if bm.TargetID != "" {
		if c := h.clients[bm.TargetID]; c != nil {
			h.send(c, bm.Message)
		} else {
			metrics.Dropped.WithLabelValues("stale").Inc()
		}
		return
	}
	h.broadcastLocal(bm.RoomID, bm.ExcludeID, bm.Message)
}

// fail reports an error to the sender; the connection stays open
func (h *Hub) fail(c *Client, m *Message, code, msg string) {
	h.send(c, &Message{Type: TypeError, Code: code, Error: msg, RoomID: m.RoomID, RequestID: m.RequestID, AckID: m.AckID})
}

// storeFail maps store errors onto wire error codes
func (h *Hub) storeFail(c *Client, m *Message, err error) {
	switch {
	case errors.Is(err, room.ErrNotFound):
		h.fail(c, m, CodeRoomNotFound, "room not found")
	case errors.Is(err, room.ErrExists):
		h.fail(c, m, CodeRoomExists, "room already exists")
	case errors.Is(err, room.ErrInvalidID):
		h.fail(c, m, CodeBadRequest, "invalid room id")
	case errors.Is(err, room.ErrRequestNotFound):
		h.fail(c, m, CodeRequestNotFound, "entry request not found or already decided")
	default:
		h.log.Error("room.store", "type", m.Type, "room", m.RoomID, "conn", c.ID, "err", err)
		h.fail(c, m, CodeInternal, "internal error")
	}
}

// metricLabel bounds label cardinality to known message types
func metricLabel(typ string) string {
	switch typ {
	case TypeCreateRoom, TypeCheckRoom, TypeRequestEntry, TypeAdminAction, TypeJoinRoomFinal,
		TypeLeaveRoom, TypeOffer, TypeAnswer, TypeCandidate, TypeStartShare, TypeStopShare,
		TypeChat, TypeReaction:
		return typ
	}
	return "unknown"
}
