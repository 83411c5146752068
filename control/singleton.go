package control

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dataflowrt/core/tenerr"
)

// SingletonLock guards singleton predefined graphs: at most one holder
// per name. Acquire returns a release closure on success and an error
// when the name is already held.
type SingletonLock interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// LocalSingletonLock is the in-process lock used when no Redis endpoint is
// configured: singleton-ness is then scoped to this one app process.
type LocalSingletonLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalSingletonLock constructs an empty in-process lock.
func NewLocalSingletonLock() *LocalSingletonLock {
	return &LocalSingletonLock{held: make(map[string]struct{})}
}

// Acquire implements SingletonLock.
func (l *LocalSingletonLock) Acquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[name]; busy {
		return nil, tenerr.InvalidArgumentf("singleton graph %q is already running", name)
	}
	l.held[name] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, nil
}

const redisLockKeyPrefix = "dataflowrt:singleton:"

// redisReleaseScript deletes the lock only if this process still owns it,
// so a lock that expired and was re-acquired elsewhere is never clobbered.
var redisReleaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// RedisSingletonLock enforces singleton graphs across a fleet of app
// processes sharing one Redis: SETNX-with-TTL on a per-graph key. The TTL
// bounds how long a crashed holder can wedge the name.
type RedisSingletonLock struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	owner string
}

// NewRedisSingletonLock constructs a fleet-wide lock. A non-positive ttl
// defaults to 24h.
func NewRedisSingletonLock(rdb redis.UniversalClient, ttl time.Duration) *RedisSingletonLock {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSingletonLock{rdb: rdb, ttl: ttl, owner: uuid.NewString()}
}

// Acquire implements SingletonLock.
func (l *RedisSingletonLock) Acquire(ctx context.Context, name string) (func(), error) {
	key := redisLockKeyPrefix + name
	ok, err := l.rdb.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return nil, tenerr.Wrap(tenerr.ConnectionFailed, err, "acquiring singleton lock %q", name)
	}
	if !ok {
		return nil, tenerr.InvalidArgumentf("singleton graph %q is already running", name)
	}
	return func() {
		_ = redisReleaseScript.Run(context.Background(), l.rdb, []string{key}, l.owner).Err()
	}, nil
}
