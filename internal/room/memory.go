package room

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRoom struct {
	Room
	pending map[string]Request
}

// Memory is a single-process Store
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*memRoom
	now   func() time.Time
}

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{rooms: map[string]*memRoom{}, now: time.Now}
}

func (m *Memory) Create(_ context.Context, roomID, hostID string) (Room, error) {
	if !ValidID(roomID) {
		return Room{}, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; ok {
		return Room{}, ErrExists
	}
	r := &memRoom{
		Room: Room{
			ID:        roomID,
			Session:   NewID(),
			HostID:    hostID,
			HostEpoch: 1,
			Members:   []string{hostID},
			CreatedAt: m.now(),
		},
		pending: map[string]Request{},
	}
	m.rooms[roomID] = r
	return r.snapshot(), nil
}

func (m *Memory) Get(_ context.Context, roomID string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.rooms[roomID]
	if r == nil {
		return Room{}, ErrNotFound
	}
	return r.snapshot(), nil
}

func (m *Memory) Exists(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok, nil
}

func (m *Memory) AddMember(_ context.Context, roomID, connID string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	if r == nil {
		return Room{}, ErrNotFound
	}
	if !r.Has(connID) {
		r.Members = append(r.Members, connID)
	}
	return r.snapshot(), nil
}

func (m *Memory) RemoveMember(_ context.Context, roomID, connID string) (Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	if r == nil {
		return Room{}, false, ErrNotFound
	}
	for i, id := range r.Members {
		if id == connID {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			break
		}
	}
	if len(r.Members) == 0 {
		delete(m.rooms, roomID)
		return r.snapshot(), true, nil
	}
	return r.snapshot(), false, nil
}

func (m *Memory) SetHost(_ context.Context, roomID, hostID string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	if r == nil {
		return Room{}, ErrNotFound
	}
	r.HostID = hostID
	r.HostEpoch++
	return r.snapshot(), nil
}

func (m *Memory) AddPending(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[req.RoomID]
	if r == nil {
		return ErrNotFound
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}
	r.pending[req.ID] = req
	return nil
}

func (m *Memory) TakePending(_ context.Context, roomID, requestID string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	if r == nil {
		return Request{}, ErrNotFound
	}
	req, ok := r.pending[requestID]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	delete(r.pending, requestID)
	return req, nil
}

func (m *Memory) ListPending(_ context.Context, roomID string) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.rooms[roomID]
	if r == nil {
		return nil, ErrNotFound
	}
	out := make([]Request, 0, len(r.pending))
	for _, req := range r.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// snapshot copies the member slice so callers never alias store state
func (r *memRoom) snapshot() Room {
	s := r.Room
	s.Members = append([]string(nil), r.Members...)
	return s
}
