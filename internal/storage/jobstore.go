package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/fixer-dispatch/internal/models"
)

// JobStore defines persistence operations for job records. Archived jobs
// stay readable through GetJob but no longer appear in ActiveFor.
type JobStore interface {
	SaveJob(ctx context.Context, j *models.JobRecord) error
	UpdateJob(ctx context.Context, j *models.JobRecord) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ActiveFor(ctx context.Context, partyID string) (*models.JobRecord, error)
	Archive(ctx context.Context, id string) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.JobRecord
	archived map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.JobRecord), archived: make(map[string]bool)}
}

func (m *MemoryStore) SaveJob(_ context.Context, j *models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("save job %s: already exists", j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// UpdateJob stores j unless a newer version is already stored.
func (m *MemoryStore) UpdateJob(_ context.Context, j *models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return fmt.Errorf("update job %s: %w", j.ID, models.ErrNotFound)
	}
	if cur.Version > j.Version {
		return nil
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ActiveFor(_ context.Context, partyID string) (*models.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.JobRecord
	for id, j := range m.jobs {
		if m.archived[id] || (j.UserID != partyID && j.FixerID != partyID) {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, fmt.Errorf("active job for %s: %w", partyID, models.ErrNotFound)
	}
	return best.Clone(), nil
}

func (m *MemoryStore) Archive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("archive job %s: %w", id, models.ErrNotFound)
	}
	m.archived[id] = true
	return nil
}

// Archived reports whether id has been moved to the archive.
func (m *MemoryStore) Archived(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.archived[id]
}
