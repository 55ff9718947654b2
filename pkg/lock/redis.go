package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lock:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

type redisRegistry struct {
	client redis.UniversalClient
}

// NewRedisRegistry stores leases as SET NX PX keys. Release and renew
// compare the token inside a script so a stale holder cannot touch a newer
// lease.
func NewRedisRegistry(client redis.UniversalClient) Registry {
	return &redisRegistry{client: client}
}

func (r *redisRegistry) TryAcquire(ctx context.Context, key Key, ttl time.Duration) (Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key.String(), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return &redisLock{client: r.client, key: key, token: token}, true, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    Key
	token  string
}

func (l *redisLock) Key() Key {
	return l.key
}

func (l *redisLock) Token() string {
	return l.token
}

func (l *redisLock) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.client, []string{redisKeyPrefix + l.key.String()}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}

	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{redisKeyPrefix + l.key.String()}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}

	return nil
}
