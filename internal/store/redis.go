package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key prefix used when none is configured.
const DefaultRedisKey = "g6-reader"

// RedisBackend keeps the image in Redis. Every store also refreshes a
// summary hash at <key>:summary and publishes "state" on <key> so other
// processes can pick up new readings.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int, key string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: connect to redis at %s: %w", addr, err)
	}
	return NewRedisBackend(client, key), nil
}

func (r *RedisBackend) imageKey() string   { return r.key + ":image" }
func (r *RedisBackend) summaryKey() string { return r.key + ":summary" }

func (r *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.imageKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.imageKey(), err)
	}
	return data, nil
}

func (r *RedisBackend) Store(ctx context.Context, image []byte) error {
	var decoded Store
	summary := map[string]interface{}{"bytes": strconv.Itoa(len(image))}
	if err := decoded.UnmarshalBinary(image); err == nil {
		summary["last-sequence"] = strconv.FormatUint(uint64(decoded.LastSequence()), 10)
		summary["last-timestamp"] = strconv.FormatUint(uint64(decoded.LastTimestamp()), 10)
		summary["readings"] = strconv.Itoa(decoded.Len())
		summary["capacity"] = strconv.Itoa(decoded.Capacity())
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.imageKey(), image, 0)
	pipe.HSet(ctx, r.summaryKey(), summary)
	pipe.Publish(ctx, r.key, "state")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
