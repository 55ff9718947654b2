package postgres

import (
	"errors"
	"fmt"

	"github.com/absmach/shuffler/pkg/storage/sqldb"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

var ErrDBConnection = errors.New("database connection error")

func NewDatabase(host, port, user, pass, name, sslMode string) (*sqldb.Database, error) {
	return Connect(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s", host, port, user, pass, name, sslMode))
}

func Connect(dsn string) (*sqldb.Database, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBConnection, err)
	}

	return sqldb.New(db, sqldb.Postgres)
}
