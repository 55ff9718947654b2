package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

type memoryRegistry struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryRegistry returns a process-local registry. now may be nil.
func NewMemoryRegistry(now func() time.Time) Registry {
	if now == nil {
		now = time.Now
	}

	return &memoryRegistry{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

func (r *memoryRegistry) TryAcquire(_ context.Context, key Key, ttl time.Duration) (Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.entries[key.String()]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	r.entries[key.String()] = memoryEntry{token: token, expires: now.Add(ttl)}

	return &memoryLock{registry: r, key: key, token: token}, true, nil
}

type memoryLock struct {
	registry *memoryRegistry
	key      Key
	token    string
}

func (l *memoryLock) Key() Key {
	return l.key
}

func (l *memoryLock) Token() string {
	return l.token
}

func (l *memoryLock) Renew(_ context.Context, ttl time.Duration) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[l.key.String()]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return ErrLockLost
	}
	e.expires = now.Add(ttl)
	r.entries[l.key.String()] = e

	return nil
}

func (l *memoryLock) Release(_ context.Context) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[l.key.String()]
	if !ok || e.token != l.token {
		return ErrLockLost
	}
	delete(r.entries, l.key.String())

	return nil
}
