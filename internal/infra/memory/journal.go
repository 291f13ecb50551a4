package memory

import (
	"context"
	"sort"
	"sync"

	"gazequiz/internal/domain"
)

// Journal is an in-memory implementation of app.Journal. It holds at most
// one pending submission per session.
type Journal struct {
	mu      sync.RWMutex
	pending map[string]domain.PendingSubmission
}

func NewJournal() *Journal {
	return &Journal{
		pending: make(map[string]domain.PendingSubmission),
	}
}

func (j *Journal) Save(_ context.Context, p domain.PendingSubmission) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[p.SessionID] = p
	return nil
}

func (j *Journal) Get(_ context.Context, sessionID string) (domain.PendingSubmission, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	p, ok := j.pending[sessionID]
	if !ok {
		return domain.PendingSubmission{}, domain.ErrSessionNotFound
	}
	return p, nil
}

func (j *Journal) Delete(_ context.Context, sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, sessionID)
	return nil
}

// List returns pending submissions, oldest first.
func (j *Journal) List(_ context.Context) ([]domain.PendingSubmission, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]domain.PendingSubmission, 0, len(j.pending))
	for _, p := range j.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}
