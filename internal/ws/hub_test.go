package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"shailmann-meeting/internal/room"
	"shailmann-meeting/internal/store"
	"shailmann-meeting/pkg/auth"
	"shailmann-meeting/pkg/ratelimit"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.Store == nil {
		opts.Store = room.NewMemory()
	}
	if opts.Tokens == nil {
		opts.Tokens = auth.New("test-secret")
	}
	return NewHub(quietLogger(), opts)
}

// connect registers an in-process client and discards its welcome message
func connect(t *testing.T, h *Hub, id string) *Client {
	t.Helper()
	c := NewClient(id, nil, 64)
	h.add(c)
	if m := recv(t, c); m.Type != TypeWelcome || m.SocketID != id {
		t.Fatalf("expected welcome for %s, got %+v", id, m)
	}
	return c
}

// do runs one inbound message through the dispatcher
func do(h *Hub, c *Client, m Message) {
	m.client = c
	h.handle(context.Background(), &m)
}

func recv(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case m, ok := <-c.send:
		if !ok {
			t.Fatalf("%s: send queue closed", c.ID)
		}
		return m
	default:
		t.Fatalf("%s: expected a message, queue empty", c.ID)
		return nil
	}
}

func recvType(t *testing.T, c *Client, typ string) *Message {
	t.Helper()
	m := recv(t, c)
	if m.Type != typ {
		t.Fatalf("%s: expected %s, got %+v", c.ID, typ, m)
	}
	return m
}

func quiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case m := <-c.send:
		t.Fatalf("%s: expected no message, got %+v", c.ID, m)
	default:
	}
}

// createRoom has H create room X and returns the host token
func createRoom(t *testing.T, h *Hub, host *Client, roomID string) string {
	t.Helper()
	do(h, host, Message{Type: "join-room", RoomID: roomID, UserName: "Host"})
	m := recvType(t, host, TypeRoomCreated)
	if m.RoomID != roomID || m.Token == "" {
		t.Fatalf("unexpected room-created %+v", m)
	}
	return m.Token
}

// admit walks guest through knock, approval and final join
func admit(t *testing.T, h *Hub, host, guest *Client, roomID, token string) {
	t.Helper()
	do(h, guest, Message{Type: TypeRequestEntry, RoomID: roomID, UserName: guest.ID})
	pending := recvType(t, guest, TypeEntryPending)
	recvType(t, host, TypeEntryRequested)
	do(h, host, Message{Type: TypeAdminAction, RoomID: roomID, RequestID: pending.RequestID, Action: "approve", Token: token})
	recvType(t, guest, TypeEntryApproved)
	do(h, guest, Message{Type: TypeJoinRoomFinal, RoomID: roomID, UserName: guest.ID})
	recvType(t, guest, TypeRoomJoined)
}

func TestAdmissionScenario(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	guest := connect(t, h, "G")

	// G checks a room before it exists
	do(h, guest, Message{Type: TypeCheckRoom, RoomID: "X", AckID: "1"})
	m := recvType(t, guest, TypeCheckRoomResult)
	if string(m.Payload) != "false" || m.AckID != "1" {
		t.Fatalf("expected false ack 1, got %+v", m)
	}

	token := createRoom(t, h, host, "X")
	rm, err := h.store.Get(context.Background(), "X")
	if err != nil || rm.HostID != "H" {
		t.Fatalf("expected room X hosted by H, got %+v %v", rm, err)
	}

	do(h, guest, Message{Type: TypeCheckRoom, RoomID: "X", AckID: "2"})
	if m := recvType(t, guest, TypeCheckRoomResult); string(m.Payload) != "true" || m.AckID != "2" {
		t.Fatalf("expected true ack 2, got %+v", m)
	}

	do(h, guest, Message{Type: TypeRequestEntry, RoomID: "X", UserName: "Guest"})
	pending := recvType(t, guest, TypeEntryPending)
	req := recvType(t, host, TypeEntryRequested)
	if req.SocketID != "G" || req.UserName != "Guest" || req.RequestID != pending.RequestID || req.RequestID == "" {
		t.Fatalf("unexpected entry-requested %+v", req)
	}

	do(h, host, Message{Type: TypeAdminAction, RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: token})
	if m := recvType(t, guest, TypeEntryApproved); m.RoomID != "X" {
		t.Fatalf("unexpected entry-approved %+v", m)
	}
	quiet(t, host)

	do(h, guest, Message{Type: TypeJoinRoomFinal, RoomID: "X", UserName: "Guest"})
	joined := recvType(t, guest, TypeRoomJoined)
	var members []string
	_ = json.Unmarshal(joined.Payload, &members)
	if !reflect.DeepEqual(members, []string{"H", "G"}) {
		t.Fatalf("expected members [H G], got %v", members)
	}
	uc := recvType(t, host, TypeUserConnected)
	if uc.SocketID != "G" || uc.UserName != "Guest" {
		t.Fatalf("unexpected user-connected %+v", uc)
	}
	quiet(t, guest)
}

func TestCheckUnknownRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	g := connect(t, h, "G")
	do(h, g, Message{Type: TypeCheckRoom, RoomID: "Y"})
	if m := recvType(t, g, TypeCheckRoomResult); string(m.Payload) != "false" {
		t.Fatalf("expected false, got %s", m.Payload)
	}
}

func TestCreateRoomCollisionAndGeneratedID(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "A")
	b := connect(t, h, "B")

	createRoom(t, h, a, "X")
	do(h, b, Message{Type: TypeCreateRoom, RoomID: "X"})
	if m := recvType(t, b, TypeError); m.Code != CodeRoomExists {
		t.Fatalf("expected room-exists, got %+v", m)
	}

	do(h, b, Message{Type: TypeCreateRoom})
	m := recvType(t, b, TypeRoomCreated)
	if !room.ValidID(m.RoomID) || m.RoomID == "X" {
		t.Fatalf("expected generated id, got %q", m.RoomID)
	}

	do(h, b, Message{Type: TypeCreateRoom, RoomID: "bad id"})
	if m := recvType(t, b, TypeError); m.Code != CodeBadRequest {
		t.Fatalf("expected bad-request, got %+v", m)
	}
}

func TestRequestEntryUnknownRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	g := connect(t, h, "G")
	do(h, g, Message{Type: "knock-room", RoomID: "nope", UserName: "Guest"})
	if m := recvType(t, g, TypeError); m.Code != CodeRoomNotFound {
		t.Fatalf("expected room-not-found, got %+v", m)
	}
}

func TestDenyAndDuplicateDecision(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	guest := connect(t, h, "G")
	token := createRoom(t, h, host, "X")

	do(h, guest, Message{Type: TypeRequestEntry, RoomID: "X", UserName: "Guest"})
	recvType(t, guest, TypeEntryPending)
	req := recvType(t, host, TypeEntryRequested)

	do(h, host, Message{Type: "respond-knock", RoomID: "X", RequestID: req.RequestID, Action: "reject", Token: token})
	recvType(t, guest, TypeEntryDenied)

	// second decision for the same request
	do(h, host, Message{Type: TypeAdminAction, RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: token})
	if m := recvType(t, host, TypeError); m.Code != CodeRequestNotFound {
		t.Fatalf("expected request-not-found, got %+v", m)
	}
	quiet(t, guest)

	// denied guest cannot join
	do(h, guest, Message{Type: TypeJoinRoomFinal, RoomID: "X"})
	if m := recvType(t, guest, TypeError); m.Code != CodeNotAdmitted {
		t.Fatalf("expected not-admitted, got %+v", m)
	}
}

func TestAdminActionAuthorization(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	guest := connect(t, h, "G")
	other := connect(t, h, "O")
	token := createRoom(t, h, host, "X")
	otherToken := createRoom(t, h, other, "Z")

	do(h, guest, Message{Type: TypeRequestEntry, RoomID: "X", UserName: "Guest"})
	recvType(t, guest, TypeEntryPending)
	req := recvType(t, host, TypeEntryRequested)

	cases := []struct {
		name string
		msg  Message
		code string
	}{
		{"no token", Message{RoomID: "X", RequestID: req.RequestID, Action: "approve"}, CodeNotHost},
		{"forged token", Message{RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: token + "x"}, CodeNotHost},
		{"other room token", Message{RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: otherToken}, CodeNotHost},
		{"bad action", Message{RoomID: "X", RequestID: req.RequestID, Action: "maybe", Token: token}, CodeBadRequest},
		{"unknown request", Message{RoomID: "X", RequestID: "nope", Action: "approve", Token: token}, CodeRequestNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.msg.Type = TypeAdminAction
			do(h, guest, tc.msg)
			if m := recvType(t, guest, TypeError); m.Code != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, m)
			}
		})
	}

	// the request survived every rejected attempt; the token holder decides it
	do(h, guest, Message{Type: TypeAdminAction, RequestID: req.RequestID, Action: "approve", Token: token})
	recvType(t, guest, TypeEntryApproved)
}

func TestApprovalAfterGuestDisconnectIsDropped(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	guest := connect(t, h, "G")
	token := createRoom(t, h, host, "X")

	do(h, guest, Message{Type: TypeRequestEntry, RoomID: "X", UserName: "Guest"})
	recvType(t, guest, TypeEntryPending)
	req := recvType(t, host, TypeEntryRequested)

	h.remove(context.Background(), guest)
	do(h, host, Message{Type: TypeAdminAction, RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: token})
	quiet(t, host)
}

func TestRelayPreservesPayload(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "A")
	b := connect(t, h, "B")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1\r\n"}`)
	do(h, a, Message{Type: TypeOffer, TargetID: "B", UserName: "Alice", Payload: offer})
	got := recvType(t, b, TypeOffer)
	if got.SenderID != "A" || got.UserName != "Alice" || string(got.Payload) != string(offer) {
		t.Fatalf("unexpected relayed offer %+v", got)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`)
	do(h, b, Message{Type: TypeAnswer, TargetID: "A", Payload: answer})
	back := recvType(t, a, TypeAnswer)
	if back.SenderID != "B" || back.UserName != "" {
		t.Fatalf("unexpected relayed answer %+v", back)
	}
	wire, err := encode(back)
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Payload json.RawMessage `json:"payload"`
	}
	_ = json.Unmarshal(wire, &env)
	if string(env.Payload) != string(answer) {
		t.Fatalf("payload changed on the wire: %s", env.Payload)
	}

	do(h, a, Message{Type: TypeCandidate, TargetID: "B", Payload: json.RawMessage(`{"candidate":"a<b&c"}`)})
	cand := recvType(t, b, TypeCandidate)
	wire, _ = encode(cand)
	_ = json.Unmarshal(wire, &env)
	if string(env.Payload) != `{"candidate":"a<b&c"}` {
		t.Fatalf("payload was escaped: %s", env.Payload)
	}

	// stale target: dropped, nothing comes back to the sender
	do(h, a, Message{Type: TypeCandidate, TargetID: "gone", Payload: json.RawMessage(`{}`)})
	quiet(t, a)

	do(h, a, Message{Type: TypeOffer, Payload: offer})
	if m := recvType(t, a, TypeError); m.Code != CodeBadRequest {
		t.Fatalf("expected bad-request, got %+v", m)
	}
}

func TestDisconnectScopedToRooms(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	guest := connect(t, h, "G")
	bystander := connect(t, h, "B")

	token := createRoom(t, h, host, "X")
	createRoom(t, h, bystander, "Other")
	admit(t, h, host, guest, "X", token)
	recvType(t, host, TypeUserConnected)

	h.remove(context.Background(), host)

	m := recvType(t, guest, TypeUserDisconnected)
	if m.SocketID != "H" || m.RoomID != "X" {
		t.Fatalf("unexpected user-disconnected %+v", m)
	}
	assigned := recvType(t, guest, TypeHostAssigned)
	if assigned.Token == "" || assigned.RoomID != "X" {
		t.Fatalf("unexpected host-assigned %+v", assigned)
	}
	quiet(t, bystander)

	rm, err := h.store.Get(context.Background(), "X")
	if err != nil {
		t.Fatal(err)
	}
	if rm.Has("H") || rm.HostID != "G" || rm.HostEpoch != 2 {
		t.Fatalf("unexpected room after disconnect %+v", rm)
	}
	if _, err := h.store.Get(context.Background(), "Other"); err != nil {
		t.Fatalf("other room affected: %v", err)
	}
}

func TestHostTransferInvalidatesOldTokenAndResendsPending(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	second := connect(t, h, "S")
	knocker := connect(t, h, "K")

	token := createRoom(t, h, host, "X")
	admit(t, h, host, second, "X", token)
	recvType(t, host, TypeUserConnected)

	do(h, knocker, Message{Type: TypeRequestEntry, RoomID: "X", UserName: "Knocker"})
	recvType(t, knocker, TypeEntryPending)
	req := recvType(t, host, TypeEntryRequested)

	do(h, host, Message{Type: TypeLeaveRoom, RoomID: "X"})
	recvType(t, second, TypeUserDisconnected)
	newToken := recvType(t, second, TypeHostAssigned).Token
	resent := recvType(t, second, TypeEntryRequested)
	if resent.RequestID != req.RequestID || resent.SocketID != "K" {
		t.Fatalf("expected pending request re-sent, got %+v", resent)
	}

	// the old host's token no longer works even from the old host
	do(h, host, Message{Type: TypeAdminAction, RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: token})
	if m := recvType(t, host, TypeError); m.Code != CodeNotHost {
		t.Fatalf("expected not-host for stale token, got %+v", m)
	}

	do(h, second, Message{Type: TypeAdminAction, RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: newToken})
	recvType(t, knocker, TypeEntryApproved)
}

func TestTokenFromClosedRoomRejectedByRecreatedRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	early := connect(t, h, "A")
	owner := connect(t, h, "V")

	oldToken := createRoom(t, h, early, "X")
	do(h, early, Message{Type: TypeLeaveRoom, RoomID: "X"})
	createRoom(t, h, owner, "X")

	do(h, early, Message{Type: TypeRequestEntry, RoomID: "X", UserName: "A"})
	pending := recvType(t, early, TypeEntryPending)
	recvType(t, owner, TypeEntryRequested)

	do(h, early, Message{Type: TypeAdminAction, RoomID: "X", RequestID: pending.RequestID, Action: "approve", Token: oldToken})
	if m := recvType(t, early, TypeError); m.Code != CodeNotHost {
		t.Fatalf("expected not-host for token of the closed room, got %+v", m)
	}
	quiet(t, owner)

	do(h, early, Message{Type: TypeJoinRoomFinal, RoomID: "X"})
	if m := recvType(t, early, TypeError); m.Code != CodeNotAdmitted {
		t.Fatalf("expected not-admitted, got %+v", m)
	}
}

func TestLastMemberLeavingDeletesRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	createRoom(t, h, host, "X")

	do(h, host, Message{Type: TypeLeaveRoom, RoomID: "X"})
	if ok, _ := h.store.Exists(context.Background(), "X"); ok {
		t.Fatal("expected room deleted")
	}
	do(h, host, Message{Type: TypeLeaveRoom, RoomID: "X"})
	if m := recvType(t, host, TypeError); m.Code != CodeNotMember {
		t.Fatalf("expected not-member, got %+v", m)
	}
}

func TestRoomEvents(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	guest := connect(t, h, "G")
	outsider := connect(t, h, "O")
	token := createRoom(t, h, host, "X")
	admit(t, h, host, guest, "X", token)
	recvType(t, host, TypeUserConnected)

	do(h, guest, Message{Type: TypeStartShare, RoomID: "X"})
	if m := recvType(t, host, TypeShareStarted); m.SocketID != "G" {
		t.Fatalf("unexpected %+v", m)
	}
	do(h, guest, Message{Type: TypeStopShare, RoomID: "X"})
	recvType(t, host, TypeShareStopped)

	do(h, host, Message{Type: TypeChat, RoomID: "X", Payload: json.RawMessage(`"hello"`)})
	chat := recvType(t, guest, TypeChat)
	if chat.SenderID != "H" || chat.UserName != "Host" || string(chat.Payload) != `"hello"` {
		t.Fatalf("unexpected chat %+v", chat)
	}
	quiet(t, host)

	do(h, outsider, Message{Type: TypeReaction, RoomID: "X", Payload: json.RawMessage(`"👍"`)})
	if m := recvType(t, outsider, TypeError); m.Code != CodeNotMember {
		t.Fatalf("expected not-member, got %+v", m)
	}
	quiet(t, host)
	quiet(t, guest)
}

func TestBadMessages(t *testing.T) {
	h := newTestHub(t, Options{})
	c := connect(t, h, "C")

	do(h, c, Message{})
	if m := recvType(t, c, TypeError); m.Code != CodeBadRequest {
		t.Fatalf("expected bad-request, got %+v", m)
	}
	do(h, c, Message{Type: "launch-missiles", AckID: "9"})
	if m := recvType(t, c, TypeError); m.Code != CodeBadRequest || m.AckID != "9" {
		t.Fatalf("expected bad-request with ack, got %+v", m)
	}
}

func TestRateLimitedConnection(t *testing.T) {
	h := newTestHub(t, Options{Limiter: ratelimit.New(2, time.Minute)})
	c := connect(t, h, "C")

	for i := 0; i < 2; i++ {
		do(h, c, Message{Type: TypeCheckRoom, RoomID: "X"})
		recvType(t, c, TypeCheckRoomResult)
	}
	do(h, c, Message{Type: TypeCheckRoom, RoomID: "X"})
	if m := recvType(t, c, TypeError); m.Code != CodeRateLimited {
		t.Fatalf("expected rate-limited, got %+v", m)
	}
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "A")
	b := NewClient("B", nil, 1)
	h.add(b) // welcome fills the queue

	done := make(chan struct{})
	go func() {
		do(h, a, Message{Type: TypeCandidate, TargetID: "B", Payload: json.RawMessage(`1`)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay blocked on a full queue")
	}
	recvType(t, b, TypeWelcome)
	quiet(t, b)
}

func TestDroppedApprovalDoesNotAdmit(t *testing.T) {
	h := newTestHub(t, Options{})
	host := connect(t, h, "H")
	guest := NewClient("G", nil, 1)
	h.add(guest) // welcome fills the queue
	token := createRoom(t, h, host, "X")

	do(h, guest, Message{Type: TypeRequestEntry, RoomID: "X", UserName: "Guest"})
	req := recvType(t, host, TypeEntryRequested)
	do(h, host, Message{Type: TypeAdminAction, RoomID: "X", RequestID: req.RequestID, Action: "approve", Token: token})

	if _, ok := guest.admitted["X"]; ok {
		t.Fatal("guest admitted although entry-approved was dropped")
	}
	recvType(t, guest, TypeWelcome)
	quiet(t, guest)
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []store.Event
}

func (f *fakeAuditor) RecordEvent(_ context.Context, e store.Event) error {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeAuditor) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestAuditTrail(t *testing.T) {
	fa := &fakeAuditor{}
	h := newTestHub(t, Options{Auditor: fa})
	host := connect(t, h, "H")
	guest := connect(t, h, "G")
	token := createRoom(t, h, host, "X")
	admit(t, h, host, guest, "X", token)
	h.remove(context.Background(), guest)
	h.remove(context.Background(), host)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.auditLoop(ctx)

	want := []string{
		store.RoomCreated, store.EntryRequested, store.EntryApproved, store.MemberJoined,
		store.MemberLeft, store.MemberLeft, store.RoomClosed,
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reflect.DeepEqual(fa.kinds(), want) {
			fa.mu.Lock()
			defer fa.mu.Unlock()
			session := fa.events[0].Session
			for _, e := range fa.events {
				if session == "" || e.Session != session {
					t.Fatalf("expected every event tagged with the room session, got %+v", e)
				}
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %v, got %v", want, fa.kinds())
}
