package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"market-pipeline/models"
)

// RedisCheckpointStore shares crawl state between processes. Seen ids live in
// one set per source, checkpoints in one hash per source keyed by query, and
// locks are SET NX keys holding a per-holder token.
type RedisCheckpointStore struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ CheckpointStore = (*RedisCheckpointStore)(nil)
	_ Locker          = (*RedisCheckpointStore)(nil)
)

// NewRedisCheckpointStore connects and pings the server.
func NewRedisCheckpointStore(ctx context.Context, addr, password, prefix string) (*RedisCheckpointStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis for checkpoints: %w", err)
	}
	return NewRedisCheckpointStoreFromClient(rdb, prefix), nil
}

// NewRedisCheckpointStoreFromClient wraps an existing client.
func NewRedisCheckpointStoreFromClient(rdb *redis.Client, prefix string) *RedisCheckpointStore {
	if prefix == "" {
		prefix = "market"
	}
	return &RedisCheckpointStore{rdb: rdb, prefix: prefix}
}

func (r *RedisCheckpointStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisCheckpointStore) LoadCheckpoint(ctx context.Context, source models.Source, query string) (*Checkpoint, error) {
	raw, err := r.rdb.HGet(ctx, r.key("checkpoint", string(source)), query).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, nil
	}
	return &cp, nil
}

func (r *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redis: encode checkpoint: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.key("checkpoint", string(cp.Source)), cp.Query, b).Err(); err != nil {
		return fmt.Errorf("redis: save checkpoint: %w", err)
	}
	return nil
}

func (r *RedisCheckpointStore) LoadSeen(ctx context.Context, source models.Source) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("seen", string(source))).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load seen ids: %w", err)
	}
	return ids, nil
}

func (r *RedisCheckpointStore) AddSeen(ctx context.Context, source models.Source, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := r.rdb.SAdd(ctx, r.key("seen", string(source)), members...).Err(); err != nil {
		return fmt.Errorf("redis: add seen ids: %w", err)
	}
	return nil
}

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisCheckpointStore) TryLock(ctx context.Context, name string, ttl time.Duration) (func() error, bool, error) {
	key := r.key("lock", name)
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: lock %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis: unlock %q: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

// Close closes the underlying client.
func (r *RedisCheckpointStore) Close() error {
	return r.rdb.Close()
}
