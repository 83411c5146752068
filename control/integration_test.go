package control

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// startContainer brings up image with one exposed port and returns its
// host:port, skipping the test when no container runtime is available.
func startContainer(t *testing.T, image, port string, waitFor wait.Strategy) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port},
			WaitingFor:   waitFor,
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestRedisSingletonLockMutualExclusion(t *testing.T) {
	addr := startContainer(t, "redis:7-alpine", "6379/tcp",
		wait.ForListeningPort("6379/tcp").WithStartupTimeout(time.Minute))

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	lockA := NewRedisSingletonLock(rdb, time.Minute)
	lockB := NewRedisSingletonLock(rdb, time.Minute)

	release, err := lockA.Acquire(ctx, "default")
	require.NoError(t, err)

	// A second process (distinct owner token) must be rejected while the
	// first holds the name.
	_, err = lockB.Acquire(ctx, "default")
	require.Error(t, err)

	// An unrelated name is independent.
	releaseOther, err := lockB.Acquire(ctx, "other")
	require.NoError(t, err)
	releaseOther()

	release()
	release2, err := lockB.Acquire(ctx, "default")
	require.NoError(t, err)
	release2()
}

func TestRedisSingletonLockReleaseIsOwnerChecked(t *testing.T) {
	addr := startContainer(t, "redis:7-alpine", "6379/tcp",
		wait.ForListeningPort("6379/tcp").WithStartupTimeout(time.Minute))

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	lockA := NewRedisSingletonLock(rdb, time.Minute)
	lockB := NewRedisSingletonLock(rdb, time.Minute)

	releaseA, err := lockA.Acquire(ctx, "g")
	require.NoError(t, err)

	// Simulate A's lease expiring and B re-acquiring; A's stale release
	// must not clobber B's lock.
	require.NoError(t, rdb.Del(ctx, redisLockKeyPrefix+"g").Err())
	releaseB, err := lockB.Acquire(ctx, "g")
	require.NoError(t, err)

	releaseA()
	val, err := rdb.Get(ctx, redisLockKeyPrefix+"g").Result()
	require.NoError(t, err)
	assert.Equal(t, lockB.owner, val)
	releaseB()
}

func TestMongoSinkPersistsAuditRecords(t *testing.T) {
	addr := startContainer(t, "mongo:7", "27017/tcp",
		wait.ForListeningPort("27017/tcp").WithStartupTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://" + addr))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	sink := NewMongoSink(client, "dataflowrt_test")
	rec := Record{
		GraphID:    "g-42",
		Operation:  "start_graph",
		Outcome:    "failed",
		Detail:     "Failed to connect to msgpack://10.0.0.9:8001/",
		RemoteApps: []string{"msgpack://10.0.0.8:8001/"},
		At:         time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, sink.Record(ctx, rec))

	var got Record
	err = client.Database("dataflowrt_test").Collection(auditCollection).
		FindOne(ctx, bson.M{"graph_id": "g-42"}).Decode(&got)
	require.NoError(t, err)
	assert.Equal(t, rec.Operation, got.Operation)
	assert.Equal(t, rec.Outcome, got.Outcome)
	assert.Equal(t, rec.Detail, got.Detail)
	assert.Equal(t, rec.RemoteApps, got.RemoteApps)
}
