package library

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Generations holds one counter per user that every eviction bumps. Cached
// views are keyed by the counter, so a bump retires every view written under
// an older value, including views still being loaded when it happened.
type Generations interface {
	Current(ctx context.Context, userID int64) (uint64, error)
	Bump(ctx context.Context, userID int64) error
}

type localGenerations struct {
	mu   sync.Mutex
	gens map[int64]uint64
}

func newLocalGenerations() *localGenerations {
	return &localGenerations{gens: make(map[int64]uint64)}
}

func (g *localGenerations) Current(_ context.Context, userID int64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gens[userID], nil
}

func (g *localGenerations) Bump(_ context.Context, userID int64) error {
	g.mu.Lock()
	g.gens[userID]++
	g.mu.Unlock()
	return nil
}

// RedisGenerations keeps the counters in Redis so that every node sharing a
// view cache agrees on which views are current. Counters never expire: a
// counter that restarted from zero could make an old view reachable again.
type RedisGenerations struct {
	client *redis.Client
}

// NewRedisGenerations returns counters stored through client.
func NewRedisGenerations(client *redis.Client) *RedisGenerations {
	return &RedisGenerations{client: client}
}

// GenerationKey returns the Redis key of userID's counter, e.g.
// "shelf:library:42:gen".
func GenerationKey(userID int64) string {
	return fmt.Sprintf("shelf:library:%d:gen", userID)
}

// Current implements Generations.
func (g *RedisGenerations) Current(ctx context.Context, userID int64) (uint64, error) {
	n, err := g.client.Get(ctx, GenerationKey(userID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Bump implements Generations.
func (g *RedisGenerations) Bump(ctx context.Context, userID int64) error {
	return g.client.Incr(ctx, GenerationKey(userID)).Err()
}
