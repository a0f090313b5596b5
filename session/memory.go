package session

import (
	"context"
	"sync"
	"time"

	"msgboard/utils"
)

// MemoryStore keeps sessions in process. Sessions are lost on restart.
type MemoryStore struct {
	Mu       sync.RWMutex
	Sessions map[string]Session
}

// NewMemoryStore creates a store and starts pruning expired sessions every interval.
// The pruner stops when ctx is done.
func NewMemoryStore(ctx context.Context, interval time.Duration) *MemoryStore {
	ms := &MemoryStore{Sessions: make(map[string]Session)}
	if interval > 0 {
		go ms.cleanup(ctx, interval)
	}
	return ms
}

func (ms *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	ms.Mu.RLock()
	s, ok := ms.Sessions[id]
	ms.Mu.RUnlock()
	if !ok || s.Expired() {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (ms *MemoryStore) Save(_ context.Context, s *Session) error {
	ms.Mu.Lock()
	ms.Sessions[s.ID] = *s
	ms.Mu.Unlock()
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, id string) error {
	ms.Mu.Lock()
	delete(ms.Sessions, id)
	ms.Mu.Unlock()
	return nil
}

// Prune removes expired sessions and returns how many were dropped.
func (ms *MemoryStore) Prune() int {
	ms.Mu.Lock()
	defer ms.Mu.Unlock()
	now := utils.GetTime()
	dropped := 0
	for id, s := range ms.Sessions {
		if !now.Before(s.ExpiresAt) {
			delete(ms.Sessions, id)
			dropped++
		}
	}
	return dropped
}

// cleanup periodically removes old entries from the session map.
func (ms *MemoryStore) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.Prune()
		}
	}
}
