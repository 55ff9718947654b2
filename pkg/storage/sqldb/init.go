// Package sqldb holds the SQL repositories shared by the sqlite and postgres
// backends. Queries are written with ? placeholders and rebound for the
// driver in use.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/task"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
)

var (
	ErrDBQuery   = errors.New("database query error")
	ErrDBScan    = errors.New("database scan error")
	ErrMigration = errors.New("database migration error")
	ErrCreate    = errors.New("create error")
	ErrUpdate    = errors.New("update error")
)

// Dialect carries the per-engine bits of the schema.
type Dialect struct {
	// Name is the sql-migrate dialect name.
	Name  string
	Blob  string
	Time  string
	Float string
}

var (
	SQLite   = Dialect{Name: "sqlite3", Blob: "BLOB", Time: "TIMESTAMP", Float: "REAL"}
	Postgres = Dialect{Name: "postgres", Blob: "BYTEA", Time: "TIMESTAMPTZ", Float: "DOUBLE PRECISION"}
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
	*sqlx.DB
	Dialect Dialect
}

// New wraps an open connection and brings its schema up to date.
func New(db *sqlx.DB, dialect Dialect) (*Database, error) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	database := &Database{DB: db, Dialect: dialect}
	if err := database.Migrate(); err != nil {
		return nil, err
	}

	return database, nil
}

func (db *Database) Migrate() error {
	r := strings.NewReplacer("{{blob}}", db.Dialect.Blob, "{{time}}", db.Dialect.Time, "{{float}}", db.Dialect.Float)
	migrations := &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "1_create_tables",
				Up: []string{
					r.Replace(`CREATE TABLE IF NOT EXISTS tasks (
						population TEXT NOT NULL,
						task_id BIGINT NOT NULL,
						status SMALLINT NOT NULL DEFAULT 0,
						total_iteration BIGINT NOT NULL,
						min_aggregation_size INTEGER NOT NULL,
						max_aggregation_size INTEGER NOT NULL,
						max_parallel INTEGER NOT NULL DEFAULT 0,
						start_no_earlier_than {{time}},
						do_not_create_iteration_after {{time}},
						started_time {{time}},
						stop_time {{time}},
						correlation_id TEXT,
						min_client_version TEXT,
						max_client_version TEXT,
						plan TEXT NOT NULL,
						init_checkpoint TEXT NOT NULL,
						collection_timeout BIGINT NOT NULL,
						iteration_timeout BIGINT NOT NULL,
						info {{blob}},
						created_at {{time}} NOT NULL,
						updated_at {{time}} NOT NULL,
						PRIMARY KEY (population, task_id)
					)`),
					`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
					r.Replace(`CREATE TABLE IF NOT EXISTS iterations (
						population TEXT NOT NULL,
						task_id BIGINT NOT NULL,
						iteration_id BIGINT NOT NULL,
						result_id BIGINT NOT NULL,
						status SMALLINT NOT NULL DEFAULT 0,
						report_goal INTEGER NOT NULL,
						max_aggregation_size INTEGER NOT NULL,
						contributions INTEGER NOT NULL DEFAULT 0,
						plan TEXT NOT NULL,
						checkpoint TEXT NOT NULL,
						gradient_prefix TEXT,
						aggregated_gradient TEXT,
						new_checkpoint TEXT,
						new_client_checkpoint TEXT,
						metrics_location TEXT,
						batches {{blob}},
						collection_deadline {{time}},
						deadline {{time}},
						error_reason TEXT,
						metrics_recorded BOOLEAN NOT NULL DEFAULT FALSE,
						created_at {{time}} NOT NULL,
						updated_at {{time}} NOT NULL,
						PRIMARY KEY (population, task_id, iteration_id, result_id)
					)`),
					`CREATE INDEX IF NOT EXISTS idx_iterations_status ON iterations(status)`,
					r.Replace(`CREATE TABLE IF NOT EXISTS model_metrics (
						population TEXT NOT NULL,
						task_id BIGINT NOT NULL,
						iteration_id BIGINT NOT NULL,
						result_id BIGINT NOT NULL,
						name TEXT NOT NULL,
						value {{float}} NOT NULL,
						created_at {{time}} NOT NULL,
						PRIMARY KEY (population, task_id, iteration_id, result_id, name)
					)`),
				},
				Down: []string{
					`DROP TABLE IF EXISTS model_metrics`,
					`DROP INDEX IF EXISTS idx_iterations_status`,
					`DROP TABLE IF EXISTS iterations`,
					`DROP INDEX IF EXISTS idx_tasks_status`,
					`DROP TABLE IF EXISTS tasks`,
				},
			},
		},
	}

	if _, err := migrate.Exec(db.DB.DB, db.Dialect.Name, migrations, migrate.Up); err != nil {
		return fmt.Errorf("%w: %w", ErrMigration, err)
	}

	return nil
}

// inClause expands a status filter into "(?, ?, ...)" and its arguments.
func inClause[T ~uint8](values []T) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = uint8(v)
	}

	return "(" + strings.Join(marks, ", ") + ")", args
}

func jsonBytes(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	return json.Marshal(v)
}

func jsonUnmarshal(data []byte, v any) error {
	if data == nil {
		return nil
	}

	return json.Unmarshal(data, v)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()

	return &t
}

func fromNullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}

	return s.String
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}

	return t.Time.UTC()
}

func location(l blob.Location) *string {
	if l.IsZero() {
		return nil
	}

	return nullString(l.String())
}

func parseLocation(s sql.NullString) (blob.Location, error) {
	if !s.Valid || s.String == "" {
		return blob.Location{}, nil
	}

	return blob.ParseLocation(s.String)
}
