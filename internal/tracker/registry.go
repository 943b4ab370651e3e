package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/eta"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/session"
)

// Registry holds one Tracker per en-route job.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker

	router eta.Router
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config
}

func NewRegistry(router eta.Router, clk clock.Clock, logger *slog.Logger, cfg Config) *Registry {
	return &Registry{
		trackers: make(map[string]*Tracker),
		router:   router,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
	}
}

// Attach starts tracking s. It is registered as a Manager creation hook.
func (r *Registry) Attach(s *session.Session) *Tracker {
	t := New(s, r.router, r.clock, r.logger, r.cfg)
	id := s.ID()
	t.onStop = func() { r.detach(id, t) }

	r.mu.Lock()
	if old, ok := r.trackers[id]; ok {
		r.mu.Unlock()
		return old
	}
	r.trackers[id] = t
	r.mu.Unlock()

	t.Start()
	return t
}

func (r *Registry) detach(id string, t *Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.trackers[id]; ok && cur == t {
		delete(r.trackers, id)
	}
}

// Update routes a position sample to the job's tracker.
func (r *Registry) Update(ctx context.Context, jobID string, u models.LocationUpdate) (Outcome, error) {
	r.mu.Lock()
	t, ok := r.trackers[jobID]
	r.mu.Unlock()
	if !ok {
		return OutcomeStopped, ErrNotTracking
	}
	return t.Update(ctx, u)
}

func (r *Registry) Tracking(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.trackers[jobID]
	return ok
}

// Shutdown stops every tracker.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		all = append(all, t)
	}
	r.mu.Unlock()
	for _, t := range all {
		t.Stop()
	}
}
