package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/pkg/storage/sqldb"
	"github.com/absmach/shuffler/pkg/storage/sqlite"
	"github.com/absmach/shuffler/pkg/storage/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testDB *sqldb.Database

func TestMain(m *testing.M) {
	dbPath := filepath.Join(os.TempDir(), "test_"+uuid.NewString()+".db")

	var err error
	testDB, err = sqlite.NewDatabase(dbPath)
	if err != nil {
		panic(err)
	}

	code := m.Run()

	testDB.Close()
	os.Remove(dbPath)

	os.Exit(code)
}

func TestRepositories(t *testing.T) {
	repos := sqldb.NewRepositories(testDB)
	testutil.RunRepositoryTests(t, &storage.Repositories{
		Tasks:      repos.Tasks,
		Iterations: repos.Iterations,
		Metrics:    repos.Metrics,
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.Migrate())
	require.NoError(t, testDB.Migrate())
}
