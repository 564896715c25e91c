package admission

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts hits per key in fixed windows.
type Limiter interface {
	// Allow records one hit for key and reports whether the count in the
	// current window is still within limit.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

const sweepEvery = 1024

type memoryWindow struct {
	start  time.Time
	length time.Duration
	count  int
}

// MemoryLimiter is a process local Limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*memoryWindow
	calls   int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		now:     time.Now,
		windows: make(map[string]*memoryWindow),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweep(now)
	}

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= w.length {
		w = &memoryWindow{start: now, length: window}
		m.windows[key] = w
	}

	w.count++
	return w.count <= limit, nil
}

func (m *MemoryLimiter) sweep(now time.Time) {
	for key, w := range m.windows {
		if now.Sub(w.start) >= w.length {
			delete(m.windows, key)
		}
	}
}

const limiterKeyPrefix = "syncroom:ratelimit:"

// RedisLimiter shares counters between processes. The window index is part
// of the key, so a key expires on its own once its window has passed.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func windowKey(key string, window time.Duration, now time.Time) string {
	idx := now.UnixNano() / int64(window)
	return limiterKeyPrefix + key + ":" + strconv.FormatInt(idx, 10)
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := windowKey(key, window, l.now())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis pipeline: %w", err)
	}

	count, err := incr.Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}

	return count <= int64(limit), nil
}
