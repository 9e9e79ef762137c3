package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/i474232898/weather-gateway/internal/weather"
)

// RedisConfig holds connection settings for the Redis-backed stores.
type RedisConfig struct {
	Address  string
	Password string
	Database int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// incrementScript starts the window on the first increment only, so later
// failures do not extend it.
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisHotStore keeps hot records and circuit counters in Redis, so every
// gateway instance shares them. Both expire through Redis TTLs.
type RedisHotStore struct {
	client *redis.Client
}

// NewRedisHotStore wraps an existing client.
func NewRedisHotStore(client *redis.Client) *RedisHotStore {
	return &RedisHotStore{client: client}
}

func (s *RedisHotStore) GetHot(ctx context.Context, key string) (weather.HotRecord, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return weather.HotRecord{}, false, nil
		}
		return weather.HotRecord{}, false, fmt.Errorf("failed to get hot record: %w", err)
	}

	var rec weather.HotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return weather.HotRecord{}, false, fmt.Errorf("failed to unmarshal hot record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisHotStore) PutHot(ctx context.Context, key string, rec weather.HotRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal hot record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set hot record: %w", err)
	}
	return nil
}

func (s *RedisHotStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return n, nil
}

func (s *RedisHotStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return n, nil
}

func (s *RedisHotStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset counter: %w", err)
	}
	return nil
}

// RedisLocker is a distributed lock using SET NX with a lease and a random
// owner token.
type RedisLocker struct {
	client *redis.Client
	lease  time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a RedisLocker. The lease bounds how long a crashed
// holder can keep a key locked.
func NewRedisLocker(client *redis.Client, lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &RedisLocker{client: client, lease: lease, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, wait time.Duration) (weather.Lock, bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return &redisLock{client: l.client, key: key, token: token}, true, nil
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

var (
	_ weather.HotStore     = (*RedisHotStore)(nil)
	_ weather.CounterStore = (*RedisHotStore)(nil)
	_ weather.Locker       = (*RedisLocker)(nil)
)
