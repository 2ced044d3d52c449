package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	admitAdded  = 1
	admitMember = 0
	admitFull   = -1
)

// The admission runs as one script so the capacity check and RPUSH are a
// single step for Redis. Reply: status, then the members.
var admitScript = redis.NewScript(`
local members = redis.call('LRANGE', KEYS[1], 0, -1)
for _, m in ipairs(members) do
  if m == ARGV[1] then
    local out = {0}
    for _, v in ipairs(members) do table.insert(out, v) end
    return out
  end
end
if #members >= tonumber(ARGV[2]) then
  local out = {-1}
  for _, v in ipairs(members) do table.insert(out, v) end
  return out
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
local out = {1}
for _, v in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do table.insert(out, v) end
return out
`)

var removeScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
return redis.call('LRANGE', KEYS[1], 0, -1)
`)

var deleteScript = redis.NewScript(`
local members = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return members
`)

// RedisStore keeps membership in a Redis list per room. Keys live under an
// instance namespace: occupants are reachable only through the process that
// holds their socket, and a restarted process starts with empty rooms.
// Lists left by a crashed process expire after ttl; live rooms refresh it on
// every admission.
type RedisStore struct {
	client   redis.UniversalClient
	instance string
	ttl      time.Duration
}

// NewRedisStore creates a store scoped to instance, which should be unique
// per process run.
func NewRedisStore(client redis.UniversalClient, instance string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, instance: instance, ttl: ttl}
}

func (s *RedisStore) peersKey(roomID string) string {
	return "relay:" + s.instance + ":room:" + roomID + ":peers"
}

func (s *RedisStore) Admit(ctx context.Context, roomID, connID string, capacity int) (AdmitResult, error) {
	ttlSeconds := int64(s.ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	reply, err := admitScript.Run(ctx, s.client, []string{s.peersKey(roomID)}, connID, capacity, ttlSeconds).Slice()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit %s to room %s: %w", connID, roomID, err)
	}
	if len(reply) == 0 {
		return AdmitResult{}, fmt.Errorf("admit %s to room %s: empty reply", connID, roomID)
	}
	status, ok := reply[0].(int64)
	if !ok {
		return AdmitResult{}, fmt.Errorf("admit %s to room %s: unexpected status %T", connID, roomID, reply[0])
	}
	members, err := toStrings(reply[1:])
	if err != nil {
		return AdmitResult{}, err
	}

	switch status {
	case admitAdded:
		return AdmitResult{Members: members, Added: true}, nil
	case admitMember:
		return AdmitResult{Members: members}, nil
	case admitFull:
		return AdmitResult{Members: members}, ErrRoomFull
	default:
		return AdmitResult{}, fmt.Errorf("admit %s to room %s: unknown status %d", connID, roomID, status)
	}
}

func (s *RedisStore) Remove(ctx context.Context, roomID, connID string) ([]string, error) {
	reply, err := removeScript.Run(ctx, s.client, []string{s.peersKey(roomID)}, connID).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("remove %s from room %s: %w", connID, roomID, err)
	}
	return nilIfEmpty(reply), nil
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.LRange(ctx, s.peersKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("members of room %s: %w", roomID, err)
	}
	return nilIfEmpty(members), nil
}

func (s *RedisStore) Delete(ctx context.Context, roomID string) ([]string, error) {
	reply, err := deleteScript.Run(ctx, s.client, []string{s.peersKey(roomID)}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nilIfEmpty(reply), nil
}

func toStrings(vals []interface{}) ([]string, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type %T", v)
		}
		out = append(out, s)
	}
	return out, nil
}

func nilIfEmpty(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return in
}
