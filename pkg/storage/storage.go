package storage

import "context"

type Storage interface {
	Create(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	Update(ctx context.Context, key string, value any) error
	// UpdateIf replaces the value only when cond accepts the current one.
	UpdateIf(ctx context.Context, key string, cond func(current any) bool, value any) (bool, error)
	List(ctx context.Context, offset, limit uint64) ([]any, uint64, error)
	Delete(ctx context.Context, key string) error
}
