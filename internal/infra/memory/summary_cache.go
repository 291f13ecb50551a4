package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gazequiz/internal/domain"
)

// SummaryLoader fetches a session summary from the quiz service.
type SummaryLoader interface {
	Summary(ctx context.Context, sessionID string) (domain.Summary, error)
}

// SummaryCache caches finished-session summaries with TTL so repeated result
// page loads do not regenerate feedback upstream.
type SummaryCache struct {
	loader SummaryLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedSummary
}

type cachedSummary struct {
	summary   domain.Summary
	expiresAt time.Time
}

func NewSummaryCache(loader SummaryLoader, ttl time.Duration) *SummaryCache {
	return &SummaryCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSummary),
	}
}

func (c *SummaryCache) Summary(ctx context.Context, sessionID string) (domain.Summary, error) {
	if s, ok := c.lookup(sessionID); ok {
		return s, nil
	}

	result, err, _ := c.sf.Do(sessionID, func() (interface{}, error) {
		if s, ok := c.lookup(sessionID); ok {
			return s, nil
		}

		summary, err := c.loader.Summary(ctx, sessionID)
		if err != nil {
			return domain.Summary{}, err
		}

		c.mu.Lock()
		c.cache[sessionID] = cachedSummary{
			summary:   summary,
			expiresAt: c.clock().Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return summary, nil
	})
	if err != nil {
		return domain.Summary{}, err
	}
	return result.(domain.Summary), nil
}

func (c *SummaryCache) lookup(sessionID string) (domain.Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[sessionID]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.Summary{}, false
	}
	return entry.summary, true
}

func (c *SummaryCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
