// Package tracker consumes fixer positions for jobs that are en route. It
// republishes movement to the user, confirms arrival once the fixer enters
// the geofence around the user and keeps the route ETA fresh.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/eta"
	"github.com/example/fixer-dispatch/internal/geo"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/observability"
	"github.com/example/fixer-dispatch/internal/session"
)

const (
	DefaultRadiusMiles = 0.25
	DefaultMinRecheck  = 30 * time.Second
	routeTimeout       = 5 * time.Second
)

type Outcome string

const (
	OutcomeMoved   Outcome = "moved"
	OutcomeArrived Outcome = "arrived"
	OutcomeStale   Outcome = "stale"
	OutcomeStopped Outcome = "stopped"
)

var ErrNotTracking = fmt.Errorf("job is not being tracked: %w", models.ErrStateConflict)

type Config struct {
	RadiusMiles float64
	MinRecheck  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RadiusMiles <= 0 {
		c.RadiusMiles = DefaultRadiusMiles
	}
	if c.MinRecheck <= 0 {
		c.MinRecheck = DefaultMinRecheck
	}
	return c
}

// Tracker follows one job. It never holds its own lock while calling into
// the session, because session watchers call back into the tracker.
type Tracker struct {
	s      *session.Session
	router eta.Router
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	lastTS  time.Time
	stopped bool
	timer   clock.Timer
	gen     uint64
	unwatch func()
	onStop  func()
}

func New(s *session.Session, router eta.Router, clk clock.Clock, logger *slog.Logger, cfg Config) *Tracker {
	return &Tracker{
		s:      s,
		router: router,
		clock:  clk,
		logger: logger.With(slog.String("job_id", s.ID())),
		cfg:    cfg.withDefaults(),
	}
}

// Start subscribes to the session and arms the first ETA check.
func (t *Tracker) Start() {
	unwatch := t.s.Watch(t.onChange)
	t.mu.Lock()
	t.unwatch = unwatch
	t.mu.Unlock()

	snap := t.s.Snapshot()
	if snap.Stage != models.StageEnRoute {
		t.Stop()
		return
	}
	t.schedule(snap.ETA)
}

func (t *Tracker) onChange(c session.Change) {
	if c.Record.Stage != models.StageEnRoute {
		t.Stop()
		return
	}
	if c.Type == models.EventRouteUpdated {
		t.schedule(c.Record.ETA)
	}
}

// Update handles one position sample from the fixer's device.
func (t *Tracker) Update(ctx context.Context, u models.LocationUpdate) (Outcome, error) {
	if !u.Coord.Valid() {
		return "", models.NewValidationError("location", "out of range")
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return OutcomeStopped, nil
	}
	if ts := u.Timestamp; !ts.IsZero() {
		// device clocks run ahead; never let one sample lock out the rest
		if now := t.clock.Now(); ts.After(now) {
			ts = now
		}
		if ts.Before(t.lastTS) {
			t.mu.Unlock()
			return OutcomeStale, nil
		}
		t.lastTS = ts
	}
	t.mu.Unlock()

	snap := t.s.Snapshot()
	if snap.Stage != models.StageEnRoute {
		t.Stop()
		return OutcomeStopped, nil
	}

	if geo.Contains(u.Coord, snap.UserLocation, t.cfg.RadiusMiles) {
		applied, err := t.s.ConfirmArrival(ctx, session.SourceGeofence)
		t.Stop()
		if err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				return OutcomeStopped, nil
			}
			return "", err
		}
		if !applied {
			return OutcomeStopped, nil
		}
		t.logger.Info("fixer entered geofence")
		return OutcomeArrived, nil
	}

	if _, err := t.s.UpdateFixerLocation(ctx, u.Coord); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			t.Stop()
			return OutcomeStopped, nil
		}
		return "", err
	}
	return OutcomeMoved, nil
}

// schedule arms the ETA check at eta, or after MinRecheck when eta is
// missing or already past. Any earlier timer is cancelled.
func (t *Tracker) schedule(at *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	d := t.cfg.MinRecheck
	if at != nil {
		if until := at.Sub(t.clock.Now()); until > 0 {
			d = until
		}
	}
	t.timer = t.clock.AfterFunc(d, func() { t.recompute(gen) })
}

func (t *Tracker) recompute(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	snap := t.s.Snapshot()
	if snap.Stage != models.StageEnRoute {
		t.Stop()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()

	route, d, err := t.router.Directions(ctx, snap.FixerLocation, snap.UserLocation)
	if err != nil {
		observability.ETARecomputeFailures.Inc()
		t.logger.Warn("eta recompute failed", slog.Any("error", err))
		t.s.PublishTransient(ctx, models.PartyFixer, fmt.Errorf("could not refresh directions: %w", err))
		t.schedule(nil)
		return
	}
	if _, err := t.s.SetRoute(ctx, route, t.clock.Now().Add(d)); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			t.Stop()
			return
		}
		t.logger.Warn("store recomputed route", slog.Any("error", err))
		t.schedule(nil)
	}
	// a successful SetRoute reschedules through the route.updated watcher
}

// Stop releases the timer and the session subscription. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	unwatch, onStop := t.unwatch, t.onStop
	t.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if onStop != nil {
		onStop()
	}
}

func (t *Tracker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
