package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

const defaultRedisExpiry = 30 * time.Second

// compareAndDelete removes KEYS[1] only when it still equals ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps the record under a single key, for processes that do not
// share a filesystem.
type RedisStore struct {
	client *redis.Client
	prefix string
	name   string
	expiry time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "voicemimic".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithExpiry sets the server-side key expiry, a backstop for records whose
// owner died and no sweeper ran. Keep it above the lock TTL. Zero disables.
func WithExpiry(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.expiry = d }
}

// NewRedisStore creates a store for the named slot.
//
//	store := lock.NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), "guild-123")
func NewRedisStore(client *redis.Client, name string, opts ...RedisOption) *RedisStore {
	if name == "" {
		name = "response"
	}
	s := &RedisStore{client: client, prefix: "voicemimic", name: name, expiry: defaultRedisExpiry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("%s:lock:%s", s.prefix, s.name)
}

func (s *RedisStore) Load(ctx context.Context) (Record, bool, error) {
	data, err := s.client.Get(ctx, s.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	rec, derr := decodeRecord(data)
	if derr != nil {
		logging.Warnw("corrupted response lock detected, cleaning up", "key", s.key(), "err", derr)
		if err := compareAndDelete.Run(ctx, s.client, []string{s.key()}, data).Err(); err != nil {
			logging.Debugw("failed to remove corrupted response lock", "key", s.key(), "err", err)
		}
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	data, err := rec.encoded()
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(), data, s.expiry).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) RemoveIf(ctx context.Context, expected Record) (bool, error) {
	data, err := expected.encoded()
	if err != nil {
		return false, err
	}
	n, err := compareAndDelete.Run(ctx, s.client, []string{s.key()}, data).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	return n == 1, nil
}
