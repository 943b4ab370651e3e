package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/fixer-dispatch/internal/models"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type jobRow struct {
	JobID     string    `db:"job_id"`
	Stage     string    `db:"stage"`
	UserID    string    `db:"user_id"`
	FixerID   string    `db:"fixer_id"`
	Record    string    `db:"record"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected", slog.Int("max_open_conns", cfg.MaxOpenConns))
	return &PostgresStore{db: db, logger: logger}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// RunMigrations applies every pending migration found in dir.
func RunMigrations(dsn, dir string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func toRow(j *models.JobRecord) (jobRow, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return jobRow{}, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return jobRow{
		JobID:     j.ID,
		Stage:     string(j.Stage),
		UserID:    j.UserID,
		FixerID:   j.FixerID,
		Record:    string(b),
		Version:   int64(j.Version),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}, nil
}

func fromRow(r jobRow) (*models.JobRecord, error) {
	var j models.JobRecord
	if err := json.Unmarshal([]byte(r.Record), &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", r.JobID, err)
	}
	return &j, nil
}

func (p *PostgresStore) SaveJob(ctx context.Context, j *models.JobRecord) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO jobs (
			job_id, stage, user_id, fixer_id, record, version, created_at, updated_at
		) VALUES (
			:job_id, :stage, :user_id, :fixer_id, CAST(:record AS JSONB), :version, :created_at, :updated_at
		)
	`
	if _, err := p.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// UpdateJob writes j only when it is newer than the stored version, so a
// late write cannot roll the record back.
func (p *PostgresStore) UpdateJob(ctx context.Context, j *models.JobRecord) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	query := `
		UPDATE jobs
		SET stage = :stage, record = CAST(:record AS JSONB), version = :version, updated_at = :updated_at
		WHERE job_id = :job_id AND version < :version
	`
	if _, err := p.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	var row jobRow
	query := `
		SELECT job_id, stage, user_id, fixer_id, record, version, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`
	if err := p.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return fromRow(row)
}

func (p *PostgresStore) ActiveFor(ctx context.Context, partyID string) (*models.JobRecord, error) {
	var row jobRow
	query := `
		SELECT job_id, stage, user_id, fixer_id, record, version, created_at, updated_at
		FROM jobs
		WHERE (user_id = $1 OR fixer_id = $1) AND archived_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`
	if err := p.db.GetContext(ctx, &row, query, partyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active job for %s: %w", partyID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}
	return fromRow(row)
}

func (p *PostgresStore) Archive(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET archived_at = now() WHERE job_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive job %s: %w", id, models.ErrNotFound)
	}
	p.logger.Debug("job archived", slog.String("job_id", id))
	return nil
}
