package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-shelf/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Locker with SET NX PX on a Redis server, so the lock is
// shared by every process talking to it.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
	logger *slog.Logger
	retry  time.Duration
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	c := newConfig(opts)
	return &Redis{client: client, bus: c.bus, logger: c.logger, retry: c.retry}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	token, err := uuid.NewRandom()
	if err != nil {
		return nil, unavailable(r.logger, key, err)
	}
	err = waitFor(ctx, r.bus, r.logger, key, wait, r.retry, func(ctx context.Context) (bool, error) {
		return r.client.SetNX(ctx, KeyPrefix+key, token.String(), lease).Result()
	})
	if err != nil {
		return nil, err
	}
	return &Handle{
		key:        key,
		token:      token.String(),
		lease:      lease,
		acquiredAt: time.Now(),
		release:    r.release,
		logger:     r.logger,
	}, nil
}

func (r *Redis) release(ctx context.Context, key, token string) (bool, error) {
	n, err := delScript.Run(ctx, r.client, []string{KeyPrefix + key}, token).Int()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	_ = r.bus.Publish(ctx, "unlock:"+KeyPrefix+key)
	return true, nil
}
