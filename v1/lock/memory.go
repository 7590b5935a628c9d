package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-shelf/v1/syncbus"
)

type lockState struct {
	token string
	timer *time.Timer
}

// InMemory implements Locker using local memory. Unlock events are published
// on a syncbus Bus so waiters wake without polling latency.
type InMemory struct {
	mu     sync.Mutex
	bus    syncbus.Bus
	logger *slog.Logger
	retry  time.Duration
	locks  map[string]*lockState
}

// NewInMemory returns a new in-memory locker.
func NewInMemory(opts ...Option) *InMemory {
	c := newConfig(opts)
	return &InMemory{
		bus:    c.bus,
		logger: c.logger,
		retry:  c.retry,
		locks:  make(map[string]*lockState),
	}
}

// Acquire implements Locker.
func (l *InMemory) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, unavailable(l.logger, key, err)
	}
	err = waitFor(ctx, l.bus, l.logger, key, wait, l.retry, func(context.Context) (bool, error) {
		return l.tryLock(key, token, lease), nil
	})
	if err != nil {
		return nil, err
	}
	return &Handle{
		key:        key,
		token:      token,
		lease:      lease,
		acquiredAt: time.Now(),
		release:    l.release,
		logger:     l.logger,
	}, nil
}

func (l *InMemory) tryLock(key, token string, lease time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks[key]; ok {
		return false
	}
	st := &lockState{token: token}
	if lease > 0 {
		st.timer = time.AfterFunc(lease, func() {
			if l.drop(key, token) {
				_ = l.bus.Publish(context.Background(), "unlock:"+KeyPrefix+key)
			}
		})
	}
	l.locks[key] = st
	return true
}

// drop removes the lock if token still owns it.
func (l *InMemory) drop(key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok || st.token != token {
		return false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(l.locks, key)
	return true
}

func (l *InMemory) release(ctx context.Context, key, token string) (bool, error) {
	if !l.drop(key, token) {
		return false, nil
	}
	_ = l.bus.Publish(ctx, "unlock:"+KeyPrefix+key)
	return true, nil
}

// Held reports whether key is currently locked.
func (l *InMemory) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok
}
