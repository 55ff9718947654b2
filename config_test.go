package shuffler_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/shuffler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		desc    string
		content string
		storage string
		sqlite  string
		lock    string
		fail    bool
	}{
		{desc: "missing file uses defaults", storage: "sqlite", sqlite: "./shuffler.db", lock: "sql"},
		{
			desc:    "overrides",
			content: "redis_url = \"redis://cache:6379/1\"\n[storage]\ntype = \"postgres\"\npostgres_host = \"db\"\n[lock]\ntype = \"redis\"\n",
			storage: "postgres",
			lock:    "redis",
		},
		{desc: "malformed", content: "[storage\n", fail: true},
	}
	for i, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			path := filepath.Join(dir, "missing.toml")
			if tc.content != "" {
				path = filepath.Join(dir, string(rune('a'+i))+".toml")
				require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))
			}

			cfg, err := shuffler.LoadConfig(path)
			if tc.fail {
				assert.Error(t, err)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.storage, cfg.Storage.Type)
			if tc.sqlite != "" {
				assert.Equal(t, tc.sqlite, cfg.Storage.SQLitePath)
			}
			assert.Equal(t, tc.lock, cfg.Lock.Type)
		})
	}
}
