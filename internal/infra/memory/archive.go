package memory

import (
	"context"
	"sync"

	"gazequiz/internal/domain"
)

// Archive keeps accepted attempts in process, for demos and tests.
type Archive struct {
	mu       sync.RWMutex
	attempts map[string][]domain.ArchivedAttempt
}

func NewArchive() *Archive {
	return &Archive{attempts: make(map[string][]domain.ArchivedAttempt)}
}

func (a *Archive) Record(_ context.Context, attempt domain.ArchivedAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[attempt.SessionID] = append(a.attempts[attempt.SessionID], attempt)
	return nil
}

// History returns a session's attempts in question order.
func (a *Archive) History(_ context.Context, sessionID string) ([]domain.ArchivedAttempt, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stored := a.attempts[sessionID]
	out := make([]domain.ArchivedAttempt, len(stored))
	copy(out, stored)
	return out, nil
}
