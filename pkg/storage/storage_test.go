package storage_test

import (
	"context"
	"testing"

	"github.com/absmach/shuffler/pkg/errors"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/pkg/storage/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositories(t *testing.T) {
	testutil.RunRepositoryTests(t, storage.NewMemoryRepositories())
}

func TestInMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := storage.NewInMemoryStorage()

	cases := []struct {
		desc string
		key  string
		err  error
	}{
		{desc: "create entry", key: "b", err: nil},
		{desc: "create another entry", key: "a", err: nil},
		{desc: "create duplicate entry", key: "a", err: errors.ErrEntityExists},
		{desc: "create with empty key", key: "", err: errors.ErrEmptyKey},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := s.Create(ctx, tc.key, tc.key)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	data, total, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, []any{"a", "b"}, data)

	ok, err := s.UpdateIf(ctx, "a", func(cur any) bool { return cur == "x" }, "c")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.UpdateIf(ctx, "a", func(cur any) bool { return cur == "a" }, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.UpdateIf(ctx, "missing", func(any) bool { return true }, "c")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "c", got)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestNewRepositories(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		desc   string
		cfg    storage.Config
		closer bool
		sql    bool
		err    bool
	}{
		{desc: "memory", cfg: storage.Config{Type: "memory"}},
		{desc: "sqlite", cfg: storage.Config{Type: "sqlite", SQLitePath: dir + "/test.db"}, closer: true, sql: true},
		{desc: "badger", cfg: storage.Config{Type: "badger", BadgerPath: dir + "/badger"}, closer: true},
		{desc: "unsupported", cfg: storage.Config{Type: "etcd"}, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			repos, err := storage.NewRepositories(tc.cfg)
			if tc.err {
				assert.Error(t, err)

				return
			}
			require.NoError(t, err)
			assert.NotNil(t, repos.Tasks)
			assert.Equal(t, tc.closer, repos.Closer != nil)
			assert.Equal(t, tc.sql, repos.SQL != nil)
			if repos.Closer != nil {
				require.NoError(t, repos.Closer.Close())
			}
		})
	}
}
