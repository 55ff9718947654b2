package storage

import "github.com/absmach/shuffler/pkg/errors"

// Aliases so callers of the repositories need not import pkg/errors.
var (
	ErrNotFound     = errors.ErrNotFound
	ErrEntityExists = errors.ErrEntityExists
)
