package lock_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/lock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type registryCase struct {
	name    string
	reg     lock.Registry
	advance func(time.Duration)
}

func registries(t *testing.T) []registryCase {
	t.Helper()

	memClock := &clock{now: time.Unix(1_700_000_000, 0)}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlClock := &clock{now: time.Unix(1_700_000_000, 0)}
	sqlReg, err := lock.NewSQLRegistry(db, "sqlite3", sqlClock.Now)
	require.NoError(t, err)

	return []registryCase{
		{name: "memory", reg: lock.NewMemoryRegistry(memClock.Now), advance: memClock.Advance},
		{name: "redis", reg: lock.NewRedisRegistry(rdb), advance: mr.FastForward},
		{name: "sql", reg: sqlReg, advance: sqlClock.Advance},
	}
}

func TestTryAcquire(t *testing.T) {
	ctx := context.Background()

	for _, rc := range registries(t) {
		t.Run(rc.name, func(t *testing.T) {
			key := lock.Key{Type: lock.TaskScheduler, ID: "mnist/1"}

			first, ok, err := rc.reg.TryAcquire(ctx, key, 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = rc.reg.TryAcquire(ctx, key, 10*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "second holder must be refused while the lease is live")

			other, ok, err := rc.reg.TryAcquire(ctx, lock.Key{Type: lock.Collector, ID: "mnist/1"}, time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "distinct keys do not contend")
			require.NoError(t, other.Release(ctx))

			require.NoError(t, first.Release(ctx))
			assert.ErrorIs(t, first.Release(ctx), lock.ErrLockLost)

			again, ok, err := rc.reg.TryAcquire(ctx, key, 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()

	for _, rc := range registries(t) {
		t.Run(rc.name, func(t *testing.T) {
			key := lock.Key{Type: lock.Collector, ID: "mnist/1/1/0"}

			stale, ok, err := rc.reg.TryAcquire(ctx, key, 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			rc.advance(11 * time.Second)

			fresh, ok, err := rc.reg.TryAcquire(ctx, key, 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok, "lease must be reclaimable after its ttl")
			assert.NotEqual(t, stale.Token(), fresh.Token())

			assert.ErrorIs(t, stale.Renew(ctx, 10*time.Second), lock.ErrLockLost)
			assert.ErrorIs(t, stale.Release(ctx), lock.ErrLockLost)

			require.NoError(t, fresh.Renew(ctx, 10*time.Second))
			require.NoError(t, fresh.Release(ctx))
		})
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	reg := lock.NewMemoryRegistry(nil)
	key := lock.Key{Type: lock.TaskScheduler, ID: "mnist/2"}

	var inner bool
	acquired, err := lock.Run(ctx, reg, key, time.Second, func(ctx context.Context) error {
		_, ok, err := reg.TryAcquire(ctx, key, time.Second)
		require.NoError(t, err)
		inner = ok

		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.False(t, inner)

	held, ok, err := reg.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok, "Run must release the lease")

	called := false
	acquired, err = lock.Run(ctx, reg, key, time.Second, func(context.Context) error {
		called = true

		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, called)
	require.NoError(t, held.Release(ctx))

	boom := errors.New("boom")
	_, err = lock.Run(ctx, reg, key, time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRunRenewsLease(t *testing.T) {
	ctx := context.Background()
	reg := lock.NewMemoryRegistry(nil)
	key := lock.Key{Type: lock.Collector, ID: "slow"}

	acquired, err := lock.Run(ctx, reg, key, 60*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		_, ok, err := reg.TryAcquire(ctx, key, time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "renewal must keep the lease alive past its ttl")

		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestExclusivity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := &clock{now: time.Unix(0, 0)}
		reg := lock.NewMemoryRegistry(c.Now)
		ctx := context.Background()
		key := lock.Key{Type: lock.Collector, ID: "k"}
		ttl := 10 * time.Second

		var holders []lock.Lock
		var expires []time.Time
		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for range steps {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				l, ok, err := reg.TryAcquire(ctx, key, ttl)
				if err != nil {
					rt.Fatalf("acquire: %v", err)
				}
				if ok {
					holders = append(holders, l)
					expires = append(expires, c.Now().Add(ttl))
				}
			case 1:
				if len(holders) > 0 {
					_ = holders[len(holders)-1].Release(ctx)
					expires[len(expires)-1] = c.Now()
				}
			case 2:
				c.Advance(time.Duration(rapid.IntRange(0, 15).Draw(rt, "secs")) * time.Second)
			}

			live := 0
			for _, e := range expires {
				if c.Now().Before(e) {
					live++
				}
			}
			if live > 1 {
				rt.Fatalf("%d live holders", live)
			}
		}
	})
}

func TestConcurrentAcquire(t *testing.T) {
	reg := lock.NewMemoryRegistry(nil)
	key := lock.Key{Type: lock.TaskScheduler, ID: "race"}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := reg.TryAcquire(context.Background(), key, time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
