package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/fixer-dispatch/internal/cache"
	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/eta"
	"github.com/example/fixer-dispatch/internal/geo"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/observability"
	"github.com/example/fixer-dispatch/internal/session"
)

// Sessions is the part of the session manager the dispatcher binds through.
type Sessions interface {
	ActiveFor(partyID string) *session.Session
	Create(ctx context.Context, userID, fixerID string, userLoc, fixerLoc models.Coord) (*session.Session, error)
}

type Config struct {
	TopN             int
	DefaultSpeedMps  float64
	ImmediateRetries int
	InBandDelay      time.Duration
	RetryInterval    time.Duration
	ReservationTTL   time.Duration
	AttemptTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		TopN:             8,
		DefaultSpeedMps:  10,
		ImmediateRetries: 2,
		InBandDelay:      500 * time.Millisecond,
		RetryInterval:    4 * time.Second,
		ReservationTTL:   30 * time.Second,
		AttemptTimeout:   5 * time.Second,
	}
}

// Dispatcher pairs a requesting user with the best available fixer. When
// nobody is available it retries a bounded number of times in band and
// then keeps polling on an interval until matched or cancelled.
type Dispatcher struct {
	Pool      geo.Pool
	Sessions  Sessions
	Reserver  cache.Reserver
	ETAClient eta.Estimator // optional routing engine
	ETACache  *eta.Cache    // optional ETA cache
	Clock     clock.Clock
	Logger    *slog.Logger
	Config    Config

	mu       sync.Mutex
	searches map[string]*search
}

// search is the per-requester retry state. gen changes when the search
// ends so that a timer callback already in flight becomes a no-op.
// run serialises whole attempts; bind is held only across the generation
// check and session creation, so cancel never waits on a slow pool.
type search struct {
	loc     models.Coord
	gen     uint64
	timer   clock.Timer
	started time.Time
	run     sync.Mutex
	bind    sync.Mutex
}

func (d *Dispatcher) init() {
	if d.searches == nil {
		d.searches = make(map[string]*search)
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config.TopN <= 0 {
		d.Config.TopN = 10
	}
	if d.Config.RetryInterval <= 0 {
		d.Config.RetryInterval = 4 * time.Second
	}
	if d.Config.ReservationTTL <= 0 {
		d.Config.ReservationTTL = 30 * time.Second
	}
	if d.Config.AttemptTimeout <= 0 {
		d.Config.AttemptTimeout = 5 * time.Second
	}
	if d.Reserver == nil {
		d.Reserver = cache.NewMemoryReserver(d.Clock.Now)
	}
}

// FindWork attempts to match requesterID at location. An existing active
// job is returned instead of creating a second one.
func (d *Dispatcher) FindWork(ctx context.Context, requesterID string, location models.Coord) (models.MatchResult, error) {
	if requesterID == "" {
		return models.MatchResult{}, models.NewValidationError("requester", "missing")
	}
	if !location.Valid() {
		return models.MatchResult{}, models.NewValidationError("location", "out of range")
	}
	if s := d.Sessions.ActiveFor(requesterID); s != nil {
		return models.MatchResult{Job: s.Snapshot(), Matched: true, Existing: true}, nil
	}

	d.mu.Lock()
	d.init()
	sr, ok := d.searches[requesterID]
	if !ok {
		sr = &search{started: d.Clock.Now()}
		d.searches[requesterID] = sr
		observability.ActiveSearches.Set(float64(len(d.searches)))
	}
	sr.loc = location
	gen := sr.gen
	d.mu.Unlock()

	var res models.MatchResult
	for i := 0; i <= d.Config.ImmediateRetries; i++ {
		if i > 0 {
			select {
			case <-d.Clock.After(d.Config.InBandDelay):
			case <-ctx.Done():
				return res, ctx.Err()
			}
			if !d.current(requesterID, sr, gen) {
				return res, nil
			}
		}
		job, err := d.attemptFor(ctx, requesterID, sr, gen, location)
		res.Attempts++
		if err != nil {
			d.mu.Lock()
			if sr.timer == nil && d.searches[requesterID] == sr {
				d.endLocked(requesterID, sr)
			}
			d.mu.Unlock()
			return res, err
		}
		if job != nil {
			d.finish(requesterID, sr, gen)
			res.Job, res.Matched = job, true
			return res, nil
		}
		if !d.current(requesterID, sr, gen) {
			return res, nil
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.searches[requesterID] != sr || sr.gen != gen {
		return res, nil
	}
	if sr.timer == nil {
		d.armLocked(requesterID, sr)
	}
	res.Searching = true
	d.Logger.Info("no fixer available, polling",
		slog.String("requester_id", requesterID),
		slog.Int("attempts", res.Attempts),
		slog.Duration("interval", d.Config.RetryInterval),
	)
	return res, nil
}

func (d *Dispatcher) current(requesterID string, sr *search, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.searches[requesterID] == sr && sr.gen == gen
}

func (d *Dispatcher) armLocked(requesterID string, sr *search) {
	gen := sr.gen
	sr.timer = d.Clock.AfterFunc(d.Config.RetryInterval, func() { d.poll(requesterID, sr, gen) })
}

func (d *Dispatcher) poll(requesterID string, sr *search, gen uint64) {
	d.mu.Lock()
	if d.searches[requesterID] != sr || sr.gen != gen {
		d.mu.Unlock()
		return
	}
	loc := sr.loc
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.Config.AttemptTimeout)
	defer cancel()
	job, err := d.attemptFor(ctx, requesterID, sr, gen, loc)
	if err != nil {
		d.Logger.Warn("background match attempt failed", slog.String("requester_id", requesterID), slog.Any("error", err))
	}
	if job != nil {
		d.finish(requesterID, sr, gen)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.searches[requesterID] == sr && sr.gen == gen {
		d.armLocked(requesterID, sr)
	}
}

// attemptFor serialises attempts of one requester so that the in-band
// round and the poll loop never bind twice.
func (d *Dispatcher) attemptFor(ctx context.Context, requesterID string, sr *search, gen uint64, loc models.Coord) (*models.JobRecord, error) {
	sr.run.Lock()
	defer sr.run.Unlock()
	job, err := d.attempt(ctx, requesterID, sr, gen, loc)
	switch {
	case err != nil:
		observability.SearchAttempts.WithLabelValues("error").Inc()
	case job == nil:
		observability.SearchAttempts.WithLabelValues("empty").Inc()
	default:
		observability.SearchAttempts.WithLabelValues("matched").Inc()
	}
	return job, err
}

type scored struct {
	f      models.Fixer
	etaSec float64
	cost   float64
}

func (d *Dispatcher) attempt(ctx context.Context, requesterID string, sr *search, gen uint64, loc models.Coord) (*models.JobRecord, error) {
	if s := d.Sessions.ActiveFor(requesterID); s != nil {
		return s.Snapshot(), nil
	}
	cands, err := d.Pool.Nearby(ctx, loc, d.Config.TopN)
	if err != nil {
		return nil, fmt.Errorf("candidate pool: %w: %v", models.ErrNoResponse, err)
	}

	scoredList := make([]scored, 0, len(cands))
	for _, f := range cands {
		if !f.Online || f.ID == requesterID || d.Sessions.ActiveFor(f.ID) != nil {
			continue
		}
		etaSec := d.estimate(ctx, f.Loc, loc)
		cost := etaSec + 30.0*(5.0-f.Rating) // cost = w1*eta + w2*(5 - rating)
		scoredList = append(scoredList, scored{f, etaSec, cost})
	}
	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].cost == scoredList[j].cost {
			return scoredList[i].f.ID < scoredList[j].f.ID
		}
		return scoredList[i].cost < scoredList[j].cost
	})

	for _, c := range scoredList {
		ok, err := d.Reserver.Reserve(ctx, c.f.ID, requesterID, d.Config.ReservationTTL)
		if err != nil {
			d.Logger.Warn("reserve candidate", slog.String("fixer_id", c.f.ID), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		s, bound, err := d.bind(ctx, requesterID, sr, gen, c.f, loc)
		if rerr := d.Reserver.Release(ctx, c.f.ID, requesterID); rerr != nil {
			d.Logger.Warn("release candidate", slog.String("fixer_id", c.f.ID), slog.Any("error", rerr))
		}
		if !bound {
			d.Logger.Info("search cancelled before binding",
				slog.String("requester_id", requesterID),
				slog.String("fixer_id", c.f.ID))
			return nil, nil
		}
		if err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				if own := d.Sessions.ActiveFor(requesterID); own != nil {
					return own.Snapshot(), nil
				}
				continue
			}
			return nil, err
		}
		d.Logger.Info("fixer matched",
			slog.String("job_id", s.ID()),
			slog.String("requester_id", requesterID),
			slog.String("fixer_id", c.f.ID),
			slog.Float64("eta_seconds", c.etaSec),
		)
		return s.Snapshot(), nil
	}
	return nil, nil
}

// bind creates the session unless the search ended meanwhile. A
// successful bind ends the search before bind is released, so a cancel
// arriving afterwards finds nothing to cancel.
func (d *Dispatcher) bind(ctx context.Context, requesterID string, sr *search, gen uint64, f models.Fixer, loc models.Coord) (*session.Session, bool, error) {
	sr.bind.Lock()
	defer sr.bind.Unlock()
	if !d.current(requesterID, sr, gen) {
		return nil, false, nil
	}
	s, err := d.Sessions.Create(ctx, requesterID, f.ID, loc, f.Loc)
	if err == nil {
		d.finish(requesterID, sr, gen)
	}
	return s, true, err
}

func (d *Dispatcher) estimate(ctx context.Context, from, to models.Coord) float64 {
	if d.ETACache != nil {
		if v, ok := d.ETACache.Get(from, to); ok {
			return v
		}
	}
	if d.ETAClient != nil {
		if v, err := d.ETAClient.EstimateSeconds(ctx, from, to); err == nil {
			if d.ETACache != nil {
				d.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	// fallback to naive estimator
	return eta.EstimateSeconds(from, to, d.Config.DefaultSpeedMps)
}

func (d *Dispatcher) finish(requesterID string, sr *search, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.searches[requesterID] != sr || sr.gen != gen {
		return
	}
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(d.Clock.Now().Sub(sr.started).Seconds())
	d.endLocked(requesterID, sr)
}

func (d *Dispatcher) endLocked(requesterID string, sr *search) {
	sr.gen++
	if sr.timer != nil {
		sr.timer.Stop()
		sr.timer = nil
	}
	delete(d.searches, requesterID)
	observability.ActiveSearches.Set(float64(len(d.searches)))
}

// CancelSearch stops a pending search. ErrNotFound when none is active.
func (d *Dispatcher) CancelSearch(requesterID string) error {
	d.mu.Lock()
	d.init()
	sr, ok := d.searches[requesterID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("search for %s: %w", requesterID, models.ErrNotFound)
	}

	sr.bind.Lock()
	defer sr.bind.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.searches[requesterID] != sr {
		return fmt.Errorf("search for %s: %w", requesterID, models.ErrNotFound)
	}
	d.endLocked(requesterID, sr)
	d.Logger.Info("search cancelled", slog.String("requester_id", requesterID))
	return nil
}

// Searching reports whether requesterID has a pending search.
func (d *Dispatcher) Searching(requesterID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.searches[requesterID]
	return ok
}

// Shutdown cancels every pending search.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, sr := range d.searches {
		d.endLocked(id, sr)
	}
}
