package blob_test

import (
	"context"
	"testing"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseLocation(t *testing.T) {
	cases := []struct {
		desc string
		in   string
		loc  blob.Location
		err  error
	}{
		{desc: "simple", in: "bucket/object", loc: blob.Location{Bucket: "bucket", Object: "object"}},
		{desc: "nested object", in: "b/a/b/c", loc: blob.Location{Bucket: "b", Object: "a/b/c"}},
		{desc: "prefix", in: "b/dir/", loc: blob.Location{Bucket: "b", Object: "dir/"}},
		{desc: "missing object", in: "bucket", err: blob.ErrInvalidLocation},
		{desc: "empty object", in: "bucket/", err: blob.ErrInvalidLocation},
		{desc: "empty bucket", in: "/object", err: blob.ErrInvalidLocation},
		{desc: "empty", in: "", err: blob.ErrInvalidLocation},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			loc, err := blob.ParseLocation(tc.in)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.loc, loc)
		})
	}
}

func TestLocationRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		loc := blob.Location{
			Bucket: rapid.StringMatching(`[a-z0-9][a-z0-9.-]{0,20}`).Draw(t, "bucket"),
			Object: rapid.StringMatching(`[A-Za-z0-9_/.-]{1,40}`).Draw(t, "object"),
		}
		got, err := blob.ParseLocation(loc.String())
		if err != nil {
			t.Fatalf("parse %q: %v", loc.String(), err)
		}
		if got != loc {
			t.Fatalf("got %+v, want %+v", got, loc)
		}
	})
}

func TestJoin(t *testing.T) {
	assert.Equal(t, blob.Location{Bucket: "b", Object: "p/x"}, blob.Location{Bucket: "b", Object: "p"}.Join("x"))
	assert.Equal(t, blob.Location{Bucket: "b", Object: "p/x"}, blob.Location{Bucket: "b", Object: "p/"}.Join("x"))
	assert.Equal(t, blob.Location{Bucket: "b", Object: "x"}, blob.Location{Bucket: "b"}.Join("x"))
}

func stores(t *testing.T) map[string]blob.Store {
	fs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	return map[string]blob.Store{
		"memory": blob.NewMemoryStore(),
		"fs":     fs,
	}
}

func TestStores(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prefix := blob.Location{Bucket: "gradients", Object: "pop/1/1/0/gradients/"}

			_, err := s.Download(ctx, prefix.Join("missing"))
			assert.ErrorIs(t, err, blob.ErrNotFound)

			ok, err := s.Exists(ctx, prefix.Join("c"))
			require.NoError(t, err)
			assert.False(t, ok)

			for _, name := range []string{"c", "a", "b"} {
				require.NoError(t, s.Upload(ctx, prefix.Join(name), []byte("data-"+name)))
			}
			require.NoError(t, s.Upload(ctx, blob.Location{Bucket: "gradients", Object: "pop/1/2/0/gradients/z"}, []byte("other")))
			require.NoError(t, s.Upload(ctx, blob.Location{Bucket: "models", Object: "pop/1/1/0/gradients/y"}, []byte("other")))

			names, err := s.List(ctx, prefix)
			require.NoError(t, err)
			assert.Equal(t, []string{prefix.Object + "a", prefix.Object + "b", prefix.Object + "c"}, names)

			data, err := s.Download(ctx, prefix.Join("b"))
			require.NoError(t, err)
			assert.Equal(t, []byte("data-b"), data)

			require.NoError(t, s.Upload(ctx, prefix.Join("b"), []byte("replaced")))
			data, err = s.Download(ctx, prefix.Join("b"))
			require.NoError(t, err)
			assert.Equal(t, []byte("replaced"), data)

			ok, err = s.Exists(ctx, prefix.Join("c"))
			require.NoError(t, err)
			assert.True(t, ok)

			empty, err := s.List(ctx, blob.Location{Bucket: "absent", Object: "x/"})
			require.NoError(t, err)
			assert.Empty(t, empty)

			assert.ErrorIs(t, s.Upload(ctx, blob.Location{Bucket: "b"}, nil), blob.ErrInvalidLocation)
		})
	}
}

func TestFSStoreRejectsEscape(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	err = s.Upload(context.Background(), blob.Location{Bucket: "b", Object: "../../etc/passwd"}, []byte("x"))
	assert.ErrorIs(t, err, blob.ErrInvalidLocation)
}

func TestNewStore(t *testing.T) {
	_, err := blob.NewStore(context.Background(), blob.Config{Type: "ftp"})
	assert.Error(t, err)

	s, err := blob.NewStore(context.Background(), blob.Config{Type: "fs", FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
