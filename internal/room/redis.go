package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store shared by every server instance pointed at the same redis.
// Keys for one room share a hash tag so scripts stay on one cluster slot.
type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewRedis wraps an existing client; ttl is refreshed on every write
func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, now: time.Now}
}

func roomKey(id string) string    { return "room:{" + id + "}" }
func membersKey(id string) string { return roomKey(id) + ":members" }
func pendingKey(id string) string { return roomKey(id) + ":pending" }

func keys(id string) []string { return []string{roomKey(id), membersKey(id), pendingKey(id)} }

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'host', ARGV[1], 'epoch', 1, 'created', ARGV[2], 'seq', 1, 'session', ARGV[4])
redis.call('ZADD', KEYS[2], 1, ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

var addMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
  redis.call('ZADD', KEYS[2], seq, ARGV[1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('PEXPIRE', KEYS[3], ARGV[2])
return 1
`)

var removeMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('ZREM', KEYS[2], ARGV[1])
local n = redis.call('ZCARD', KEYS[2])
if n == 0 then
  redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
  return 0
end
for i = 1, 3 do redis.call('PEXPIRE', KEYS[i], ARGV[2]) end
return n
`)

var setHostScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'host', ARGV[1])
for i = 1, 3 do redis.call('PEXPIRE', KEYS[i], ARGV[2]) end
return redis.call('HINCRBY', KEYS[1], 'epoch', 1)
`)

var addPendingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
for i = 1, 3 do redis.call('PEXPIRE', KEYS[i], ARGV[3]) end
return 1
`)

func (r *Redis) ttlMillis() int64 { return r.ttl.Milliseconds() }

func (r *Redis) Create(ctx context.Context, roomID, hostID string) (Room, error) {
	if !ValidID(roomID) {
		return Room{}, ErrInvalidID
	}
	created := r.now()
	session := NewID()
	ok, err := createScript.Run(ctx, r.rdb, keys(roomID), hostID, created.UnixNano(), r.ttlMillis(), session).Int64()
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	if ok == 0 {
		return Room{}, ErrExists
	}
	return Room{ID: roomID, Session: session, HostID: hostID, HostEpoch: 1, Members: []string{hostID}, CreatedAt: created}, nil
}

func (r *Redis) Get(ctx context.Context, roomID string) (Room, error) {
	var meta *redis.MapStringStringCmd
	var members *redis.StringSliceCmd
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HGetAll(ctx, roomKey(roomID))
		members = p.ZRange(ctx, membersKey(roomID), 0, -1)
		return nil
	})
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	m := meta.Val()
	if len(m) == 0 {
		return Room{}, ErrNotFound
	}
	epoch, _ := strconv.ParseInt(m["epoch"], 10, 64)
	created, _ := strconv.ParseInt(m["created"], 10, 64)
	return Room{
		ID:        roomID,
		Session:   m["session"],
		HostID:    m["host"],
		HostEpoch: epoch,
		Members:   members.Val(),
		CreatedAt: time.Unix(0, created),
	}, nil
}

func (r *Redis) Exists(ctx context.Context, roomID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("room exists: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) AddMember(ctx context.Context, roomID, connID string) (Room, error) {
	n, err := addMemberScript.Run(ctx, r.rdb, keys(roomID), connID, r.ttlMillis()).Int64()
	if err != nil {
		return Room{}, fmt.Errorf("add member: %w", err)
	}
	if n < 0 {
		return Room{}, ErrNotFound
	}
	return r.Get(ctx, roomID)
}

func (r *Redis) RemoveMember(ctx context.Context, roomID, connID string) (Room, bool, error) {
	before, err := r.Get(ctx, roomID)
	if err != nil {
		return Room{}, false, err
	}
	n, err := removeMemberScript.Run(ctx, r.rdb, keys(roomID), connID, r.ttlMillis()).Int64()
	if err != nil {
		return Room{}, false, fmt.Errorf("remove member: %w", err)
	}
	switch {
	case n < 0:
		return Room{}, false, ErrNotFound
	case n == 0:
		before.Members = nil
		return before, true, nil
	}
	after, err := r.Get(ctx, roomID)
	if errors.Is(err, ErrNotFound) {
		// emptied by another instance between the script and this read
		before.Members = nil
		return before, true, nil
	}
	return after, false, err
}

func (r *Redis) SetHost(ctx context.Context, roomID, hostID string) (Room, error) {
	n, err := setHostScript.Run(ctx, r.rdb, keys(roomID), hostID, r.ttlMillis()).Int64()
	if err != nil {
		return Room{}, fmt.Errorf("set host: %w", err)
	}
	if n < 0 {
		return Room{}, ErrNotFound
	}
	return r.Get(ctx, roomID)
}

func (r *Redis) AddPending(ctx context.Context, req Request) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.now()
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	n, err := addPendingScript.Run(ctx, r.rdb, keys(req.RoomID), req.ID, raw, r.ttlMillis()).Int64()
	if err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	if n < 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) TakePending(ctx context.Context, roomID, requestID string) (Request, error) {
	raw, err := r.rdb.HGet(ctx, pendingKey(roomID), requestID).Result()
	if errors.Is(err, redis.Nil) {
		ok, err := r.Exists(ctx, roomID)
		if err != nil {
			return Request{}, err
		}
		if !ok {
			return Request{}, ErrNotFound
		}
		return Request{}, ErrRequestNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("take pending: %w", err)
	}
	// only the caller whose HDEL removed the field owns the request
	n, err := r.rdb.HDel(ctx, pendingKey(roomID), requestID).Result()
	if err != nil {
		return Request{}, fmt.Errorf("take pending: %w", err)
	}
	if n != 1 {
		return Request{}, ErrRequestNotFound
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return Request{}, fmt.Errorf("decode pending %s: %w", requestID, err)
	}
	return req, nil
}

func (r *Redis) ListPending(ctx context.Context, roomID string) ([]Request, error) {
	ok, err := r.Exists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	vals, err := r.rdb.HVals(ctx, pendingKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]Request, 0, len(vals))
	for _, v := range vals {
		var req Request
		if err := json.Unmarshal([]byte(v), &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
