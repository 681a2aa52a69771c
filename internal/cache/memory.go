package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is an in-process Cache for tests and single-instance runs.
// Pub/sub is fan-out to in-process subscribers only.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	subs    map[string]map[chan []byte]struct{}
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		subs:    make(map[string]map[chan []byte]struct{}),
		now:     time.Now,
	}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

func (c *MemoryCache) setLocked(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
}

func (c *MemoryCache) getLocked(key string) ([]byte, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.getLocked(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetJobStatus(ctx context.Context, jobID string, status models.JobStatus, ttl time.Duration) error {
	return c.Set(ctx, JobStatusKey(jobID), []byte(status), ttl)
}

func (c *MemoryCache) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, bool, error) {
	v, ok, err := c.Get(ctx, JobStatusKey(jobID))
	if err != nil || !ok {
		return "", ok, err
	}
	return models.JobStatus(v), true, nil
}

func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	if v, ok := c.getLocked(key); ok {
		n, _ = strconv.ParseInt(string(v), 10, 64)
	}
	n++
	c.setLocked(key, []byte(strconv.FormatInt(n, 10)), expiry)
	return n, nil
}

func (c *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.getLocked(key); held {
		return "", false, nil
	}
	token := uuid.NewString()
	c.setLocked(key, []byte(token), ttl)
	return token, true, nil
}

func (c *MemoryCache) Unlock(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.getLocked(key); ok && string(v) == token {
		delete(c.entries, key)
	}
	return nil
}

func (c *MemoryCache) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.getLocked(key)
	if !ok || string(v) != token {
		return false, nil
	}
	c.setLocked(key, v, ttl)
	return true, nil
}

func (c *MemoryCache) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ch := range c.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
			// Slow subscriber; drop rather than block publishers.
		}
	}
	return nil
}

func (c *MemoryCache) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)

	c.mu.Lock()
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[chan []byte]struct{})
	}
	c.subs[channel][ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs[channel], ch)
		close(ch)
		c.mu.Unlock()
	}()
	return ch, nil
}

var _ Cache = (*MemoryCache)(nil)
