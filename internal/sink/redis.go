package sink

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// DefaultRedisKey is the list info payloads are pushed to.
const DefaultRedisKey = "bulkload:info"

// Redis appends info payloads to a Redis list.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis creates a Redis sink for the server at addr.
func NewRedis(addr, key string) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{Addr: addr}), key)
}

// NewRedisWithClient creates a Redis sink that uses client.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Ping checks the connection.
func (r *Redis) Ping() error {
	return r.client.Ping().Err()
}

func (r *Redis) Publish(ctx context.Context, info Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.client.RPush(r.key, info.JSON).Err(); err != nil {
		return errors.Wrapf(err, "push info for %s", info.Key())
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
