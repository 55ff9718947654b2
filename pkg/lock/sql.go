package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
)

type sqlRegistry struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLRegistry keeps leases in a locks table of db. dialect is the
// sql-migrate dialect name ("sqlite3" or "postgres").
func NewSQLRegistry(db *sqlx.DB, dialect string, now func() time.Time) (Registry, error) {
	if now == nil {
		now = time.Now
	}
	migrations := &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "locks_1",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS locks (
						lock_key   TEXT PRIMARY KEY,
						token      TEXT NOT NULL,
						expires_at BIGINT NOT NULL
					)`,
				},
				Down: []string{`DROP TABLE IF EXISTS locks`},
			},
		},
	}
	set := migrate.MigrationSet{TableName: "lock_migrations"}
	if _, err := set.Exec(db.DB, dialect, migrations, migrate.Up); err != nil {
		return nil, fmt.Errorf("lock table migration error: %w", err)
	}

	return &sqlRegistry{db: db, now: now}, nil
}

func (r *sqlRegistry) TryAcquire(ctx context.Context, key Key, ttl time.Duration) (Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}
	now := r.now()
	token := uuid.NewString()
	query := r.db.Rebind(`INSERT INTO locks (lock_key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?`)

	res, err := r.db.ExecContext(ctx, query, key.String(), token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}

	return &sqlLock{registry: r, key: key, token: token}, true, nil
}

type sqlLock struct {
	registry *sqlRegistry
	key      Key
	token    string
}

func (l *sqlLock) Key() Key {
	return l.key
}

func (l *sqlLock) Token() string {
	return l.token
}

func (l *sqlLock) Renew(ctx context.Context, ttl time.Duration) error {
	r := l.registry
	now := r.now()
	query := r.db.Rebind(`UPDATE locks SET expires_at = ? WHERE lock_key = ? AND token = ? AND expires_at > ?`)

	return l.exec(ctx, query, now.Add(ttl).UnixMilli(), l.key.String(), l.token, now.UnixMilli())
}

func (l *sqlLock) Release(ctx context.Context) error {
	query := l.registry.db.Rebind(`DELETE FROM locks WHERE lock_key = ? AND token = ?`)

	return l.exec(ctx, query, l.key.String(), l.token)
}

func (l *sqlLock) exec(ctx context.Context, query string, args ...any) error {
	res, err := l.registry.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}

	return nil
}
