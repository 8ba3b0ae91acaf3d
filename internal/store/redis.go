package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tickflow/logger"
)

// RedisStore implements Store on a shared redis instance so multiple process
// instances see one rate-limit window per exchange.
type RedisStore struct {
	client *redis.Client
	log    *logger.Log
}

// RedisOptions carries the connection settings consumed from configuration.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// NewRedisStore creates a store backed by the given redis instance. The
// connection is not verified here; callers probe with Ping so startup can
// fall back to the in-process store.
func NewRedisStore(opts RedisOptions) *RedisStore {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	op := opts.OpTimeout
	if op <= 0 {
		op = time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dial,
		ReadTimeout:  op,
		WriteTimeout: op,
	})
	return &RedisStore{client: client, log: logger.GetLogger()}
}

// Incr increments key atomically and applies ttl only when this call created
// the key, so the window reset time is pinned to the first request.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			s.log.WithComponent("redis_store").WithError(err).WithFields(logger.Fields{
				"key": key,
			}).Warn("failed to set expiry on new counter")
		}
	}
	return count, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// DelPrefix removes every key matching prefix* using SCAN so large keyspaces
// are not blocked the way KEYS would.
func (s *RedisStore) DelPrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// TTL returns the remaining lifetime of key, or a negative duration when the
// key is missing.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return -1, err
	}
	// redis reports -2 (missing) and -1 (no expiry) as negative durations
	return d, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
