package blob

import (
	"context"
	"slices"
	"strings"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns a Store that keeps objects in process memory.
func NewMemoryStore() Store {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (s *memoryStore) Download(ctx context.Context, loc Location) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[loc.String()]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(data), nil
}

func (s *memoryStore) Upload(ctx context.Context, loc Location, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := loc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[loc.String()] = slices.Clone(data)

	return nil
}

func (s *memoryStore) List(ctx context.Context, prefix Location) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := prefix.Bucket + "/"
	names := make([]string, 0)
	for key := range s.objects {
		name, ok := strings.CutPrefix(key, bucket)
		if ok && strings.HasPrefix(name, prefix.Object) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	return names, nil
}

func (s *memoryStore) Exists(ctx context.Context, loc Location) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[loc.String()]

	return ok, nil
}
