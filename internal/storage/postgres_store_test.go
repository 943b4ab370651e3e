package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/fixer-dispatch/internal/models"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dispatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dsn, migrationsDir()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, MaxOpenConns: 4}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := setupPostgres(t)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	j := sampleJob("6f1c1f0e-0000-4000-8000-000000000001", now)
	j.Quote = &models.Quote{Amount: 125, Details: []string{"replace faucet", "new washer"}, Pending: true}
	require.NoError(t, s.SaveJob(ctx, j))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j, got)

	next := j.Clone()
	next.Stage = models.StageArriving
	next.Version = 3
	require.NoError(t, s.UpdateJob(ctx, next))

	older := j.Clone()
	older.Version = 2
	require.NoError(t, s.UpdateJob(ctx, older))

	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageArriving, got.Stage)
	assert.Equal(t, uint64(3), got.Version)

	active, err := s.ActiveFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, active.ID)

	require.NoError(t, s.Archive(ctx, j.ID))
	_, err = s.ActiveFor(ctx, "user-1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.True(t, errors.Is(s.Archive(ctx, "missing"), models.ErrNotFound))

	_, err = s.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
