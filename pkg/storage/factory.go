package storage

import (
	"fmt"
	"io"

	"github.com/absmach/shuffler/pkg/storage/badger"
	"github.com/absmach/shuffler/pkg/storage/postgres"
	"github.com/absmach/shuffler/pkg/storage/sqldb"
	"github.com/absmach/shuffler/pkg/storage/sqlite"
	"github.com/jmoiron/sqlx"
)

type Config struct {
	Type string `env:"TYPE" envDefault:"memory" toml:"type"`

	PostgresHost    string `env:"POSTGRES_HOST"    envDefault:"localhost" toml:"postgres_host"`
	PostgresPort    string `env:"POSTGRES_PORT"    envDefault:"5432"      toml:"postgres_port"`
	PostgresUser    string `env:"POSTGRES_USER"    envDefault:"shuffler"  toml:"postgres_user"`
	PostgresPass    string `env:"POSTGRES_PASS"    envDefault:"shuffler"  toml:"postgres_pass"`
	PostgresDB      string `env:"POSTGRES_DB"      envDefault:"shuffler"  toml:"postgres_db"`
	PostgresSSLMode string `env:"POSTGRES_SSLMODE" envDefault:"disable"   toml:"postgres_sslmode"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"./shuffler.db" toml:"sqlite_path"`

	BadgerPath string `env:"BADGER_PATH" envDefault:"./data/badger" toml:"badger_path"`
}

type Repositories struct {
	Tasks      TaskRepository
	Iterations IterationRepository
	Metrics    MetricsRepository
	// Closer closes the underlying persistent storage connection.
	// It is nil for the in-memory backend.
	Closer io.Closer
	// SQL and SQLDialect are set for the sqlite and postgres backends so
	// the lock registry can share the connection.
	SQL        *sqlx.DB
	SQLDialect string
}

func NewRepositories(cfg Config) (*Repositories, error) {
	switch cfg.Type {
	case "postgres":
		db, err := postgres.NewDatabase(
			cfg.PostgresHost,
			cfg.PostgresPort,
			cfg.PostgresUser,
			cfg.PostgresPass,
			cfg.PostgresDB,
			cfg.PostgresSSLMode,
		)
		if err != nil {
			return nil, err
		}

		return newSQLRepositories(db), nil
	case "sqlite":
		db, err := sqlite.NewDatabase(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}

		return newSQLRepositories(db), nil
	case "badger":
		db, err := badger.NewDatabase(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		repos := badger.NewRepositories(db)

		return &Repositories{
			Tasks:      repos.Tasks,
			Iterations: repos.Iterations,
			Metrics:    repos.Metrics,
			Closer:     db,
		}, nil
	case "memory":
		return NewMemoryRepositories(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func newSQLRepositories(db *sqldb.Database) *Repositories {
	repos := sqldb.NewRepositories(db)

	return &Repositories{
		Tasks:      repos.Tasks,
		Iterations: repos.Iterations,
		Metrics:    repos.Metrics,
		Closer:     db,
		SQL:        db.DB,
		SQLDialect: db.Dialect.Name,
	}
}

func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Tasks:      newMemoryTaskRepository(NewInMemoryStorage()),
		Iterations: newMemoryIterationRepository(NewInMemoryStorage()),
		Metrics:    newMemoryMetricsRepository(NewInMemoryStorage()),
	}
}
