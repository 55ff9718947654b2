package sqlite

import (
	"errors"
	"fmt"

	"github.com/absmach/shuffler/pkg/storage/sqldb"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var ErrDBConnection = errors.New("database connection error")

// NewDatabase opens (or creates) the sqlite file at path.
func NewDatabase(path string) (*sqldb.Database, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBConnection, err)
	}

	return sqldb.New(db, sqldb.SQLite)
}
