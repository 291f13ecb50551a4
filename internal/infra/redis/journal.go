package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"gazequiz/internal/domain"
)

const journalPrefix = "gazequiz:pending:"

// Journal keeps each session's unacknowledged submission in Redis as JSON so
// the payload and its idempotency key survive a restart of the process.
// Entries expire after ttl.
type Journal struct {
	client *redis.Client
	ttl    time.Duration
}

func NewJournal(client *redis.Client, ttl time.Duration) *Journal {
	return &Journal{client: client, ttl: ttl}
}

func (j *Journal) Save(ctx context.Context, p domain.PendingSubmission) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending submission: %w", err)
	}
	return j.client.Set(ctx, j.key(p.SessionID), raw, j.ttl).Err()
}

func (j *Journal) Get(ctx context.Context, sessionID string) (domain.PendingSubmission, error) {
	raw, err := j.client.Get(ctx, j.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PendingSubmission{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.PendingSubmission{}, err
	}
	var p domain.PendingSubmission
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.PendingSubmission{}, fmt.Errorf("decode pending submission: %w", err)
	}
	return p, nil
}

func (j *Journal) Delete(ctx context.Context, sessionID string) error {
	return j.client.Del(ctx, j.key(sessionID)).Err()
}

// List scans every pending submission, oldest first.
func (j *Journal) List(ctx context.Context) ([]domain.PendingSubmission, error) {
	var out []domain.PendingSubmission
	iter := j.client.Scan(ctx, 0, journalPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		p, err := j.Get(ctx, strings.TrimPrefix(iter.Val(), journalPrefix))
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (j *Journal) key(sessionID string) string {
	return journalPrefix + sessionID
}
