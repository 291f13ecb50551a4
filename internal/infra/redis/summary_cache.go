package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"gazequiz/internal/domain"
	"gazequiz/internal/infra/memory"
)

// SummaryCache stores session summaries in Redis and falls back to a loader
// on cache miss. Summaries are stored as: SET gazequiz:summary:{sessionID} {json}
type SummaryCache struct {
	client *redis.Client
	loader memory.SummaryLoader
	ttl    time.Duration
	sf     singleflight.Group

	// rnd is shared by loads of different sessions; rand.Rand is not safe
	// for concurrent use.
	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewSummaryCache(client *redis.Client, loader memory.SummaryLoader, ttl time.Duration) *SummaryCache {
	return &SummaryCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *SummaryCache) Summary(ctx context.Context, sessionID string) (domain.Summary, error) {
	key := c.key(sessionID)
	if s, ok := c.cached(ctx, key); ok {
		return s, nil
	}

	result, err, _ := c.sf.Do(sessionID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if s, ok := c.cached(ctx, key); ok {
			return s, nil
		}

		summary, err := c.loader.Summary(ctx, sessionID)
		if err != nil {
			return domain.Summary{}, err
		}
		if raw, err := json.Marshal(summary); err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err()
		}
		return summary, nil
	})
	if err != nil {
		return domain.Summary{}, err
	}
	return result.(domain.Summary), nil
}

func (c *SummaryCache) cached(ctx context.Context, key string) (domain.Summary, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return domain.Summary{}, false
	}
	var s domain.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Summary{}, false
	}
	return s, true
}

func (c *SummaryCache) key(sessionID string) string {
	return "gazequiz:summary:" + sessionID
}

func (c *SummaryCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
