package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process using the same Redis.
type Redis struct {
	client redis.Cmdable
	prefix string
}

// NewRedis wraps a client; keys are stored under prefix.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromURL connects to url and checks the connection.
func NewRedisFromURL(ctx context.Context, url, prefix string) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, prefix), client, nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	fullKey := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", fullKey, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("failed to release %s: %w", fullKey, err)
		}
		return nil
	}, nil
}
