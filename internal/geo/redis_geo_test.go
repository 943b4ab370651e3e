package geo

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/fixer-dispatch/internal/models"
)

func setupRedis(t *testing.T) *redis.Client {
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

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisGeoNearby(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	g := NewRedisGeo(setupRedis(t), "fixers:geo", 5000)

	require.NoError(t, g.Upsert(ctx, models.Fixer{ID: "near", Loc: models.Coord{Lat: 37.771, Lon: -122.41}, Rating: 4.5, Online: true}))
	require.NoError(t, g.Upsert(ctx, models.Fixer{ID: "far", Loc: models.Coord{Lat: 37.79, Lon: -122.41}, Rating: 5, Online: true}))
	require.NoError(t, g.Upsert(ctx, models.Fixer{ID: "gone", Loc: home, Online: true}))
	require.NoError(t, g.Upsert(ctx, models.Fixer{ID: "gone", Loc: home, Online: false}))

	got, err := g.Nearby(ctx, home, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ID)
	assert.Equal(t, 4.5, got[0].Rating)
	assert.InDelta(t, 37.771, got[0].Loc.Lat, 1e-4)
	assert.Equal(t, "far", got[1].ID)
}
