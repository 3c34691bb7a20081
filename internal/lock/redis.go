package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisKV stores locks as plain keys with a PX expiry and announces releases
// on a pub/sub channel.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func releaseChannel(key string) string {
	return key + ":released"
}

func (r *RedisKV) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set lock %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisKV) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	deleted, err := compareAndDelete.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return deleted == 1, nil
}

func (r *RedisKV) Publish(ctx context.Context, key string) error {
	if err := r.client.Publish(ctx, releaseChannel(key), "1").Err(); err != nil {
		return fmt.Errorf("publish release %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Subscribe(ctx context.Context, key string) (<-chan struct{}, func()) {
	pubsub := r.client.Subscribe(ctx, releaseChannel(key))
	notices := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case notices <- struct{}{}:
				default:
				}
			}
		}
	}()

	return notices, func() {
		close(done)
		_ = pubsub.Close()
	}
}
