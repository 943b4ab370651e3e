package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/fixer-dispatch/internal/cache"
)

func TestMemoryReserver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := cache.NewMemoryReserver(func() time.Time { return now })

	ok, err := r.Reserve(ctx, "fx-1", "user-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = r.Reserve(ctx, "fx-1", "user-b", 30*time.Second)
	assert.False(t, ok)

	// a non-owner release is ignored
	require.NoError(t, r.Release(ctx, "fx-1", "user-b"))
	ok, _ = r.Reserve(ctx, "fx-1", "user-b", 30*time.Second)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "fx-1", "user-a"))
	ok, _ = r.Reserve(ctx, "fx-1", "user-b", 30*time.Second)
	assert.True(t, ok)

	now = now.Add(31 * time.Second)
	ok, _ = r.Reserve(ctx, "fx-1", "user-c", 30*time.Second)
	assert.True(t, ok, "expired claim can be retaken")
}

func setupRedis(t *testing.T) *cache.RedisReserver {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rr, err := cache.NewRedisReserver("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rr.Close() })
	return rr
}

func TestRedisReserver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	r := setupRedis(t)
	require.NoError(t, r.Ping(ctx))

	ok, err := r.Reserve(ctx, "fx-1", "user-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Reserve(ctx, "fx-1", "user-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "fx-1", "user-b"))
	ok, _ = r.Reserve(ctx, "fx-1", "user-b", time.Minute)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "fx-1", "user-a"))
	ok, _ = r.Reserve(ctx, "fx-1", "user-b", time.Minute)
	assert.True(t, ok)
}
