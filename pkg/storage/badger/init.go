package badger

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/absmach/shuffler/pkg/errors"
	"github.com/absmach/shuffler/task"
	"github.com/dgraph-io/badger/v4"
)

var (
	ErrDBConnection = errors.New("badger database connection error")
	ErrDBQuery      = errors.New("database query error")
	ErrCreate       = errors.New("create error")
	ErrUpdate       = errors.New("update error")
)

type TaskRepository interface {
	Create(ctx context.Context, t task.Task) error
	Get(ctx context.Context, key task.TaskKey) (task.Task, error)
	Update(ctx context.Context, from task.TaskStatus, t task.Task) (bool, error)
	ListByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]task.Task, error)
	List(ctx context.Context, offset, limit uint64) ([]task.Task, uint64, error)
}

type IterationRepository interface {
	Create(ctx context.Context, it task.Iteration) error
	Get(ctx context.Context, key task.IterationKey) (task.Iteration, error)
	Update(ctx context.Context, from task.IterationStatus, it task.Iteration) (bool, error)
	ListByStatus(ctx context.Context, statuses ...task.IterationStatus) ([]task.Iteration, error)
	ListByTask(ctx context.Context, key task.TaskKey) ([]task.Iteration, error)
	Last(ctx context.Context, key task.TaskKey) (task.Iteration, error)
}

type MetricsRepository interface {
	Save(ctx context.Context, metrics []task.ModelMetric) error
	ListByIteration(ctx context.Context, key task.IterationKey) ([]task.ModelMetric, error)
	ListByTask(ctx context.Context, key task.TaskKey) ([]task.ModelMetric, error)
}

type Repositories struct {
	Tasks      TaskRepository
	Iterations IterationRepository
	Metrics    MetricsRepository
}

func NewRepositories(db *Database) *Repositories {
	return &Repositories{
		Tasks:      NewTaskRepository(db),
		Iterations: NewIterationRepository(db),
		Metrics:    NewMetricsRepository(db),
	}
}

type Database struct {
	db *badger.DB
}

func NewDatabase(path string) (*Database, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBConnection, err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) get(key []byte) ([]byte, error) {
	var val []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)

		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, pkgerrors.ErrNotFound
		}

		return nil, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return val, nil
}

func (d *Database) set(key, val []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}

	return nil
}

// create stores val only if key is absent.
func (d *Database) create(key, val []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return pkgerrors.ErrEntityExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		return txn.Set(key, val)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pkgerrors.ErrEntityExists):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
}

// compareAndSet replaces the value at key inside one transaction when cond
// accepts the current value. Badger aborts the commit with ErrConflict if a
// concurrent transaction wrote the key first.
func (d *Database) compareAndSet(key []byte, cond func(current []byte) (bool, error), val []byte) (bool, error) {
	swapped := false
	err := d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		ok, err := cond(cur)
		if err != nil || !ok {
			return err
		}
		swapped = true

		return txn.Set(key, val)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, pkgerrors.ErrNotFound
		}
		if errors.Is(err, badger.ErrConflict) {
			return false, nil
		}

		return false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}

	return swapped, nil
}

// scan calls fn for every value under prefix in key order.
func (d *Database) scan(ctx context.Context, prefix []byte, fn func(val []byte) error) error {
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(val); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return nil
}

func (d *Database) listWithPrefix(prefix []byte, offset, limit uint64) ([][]byte, error) {
	var items [][]byte
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = int(limit)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := uint64(0)
		count := uint64(0)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++

				continue
			}
			if count >= limit {
				break
			}

			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, val)
			count++
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return items, nil
}

func (d *Database) countWithPrefix(prefix []byte) (uint64, error) {
	count := uint64(0)
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return count, nil
}
