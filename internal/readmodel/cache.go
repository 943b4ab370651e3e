// Package readmodel keeps one party's local copy of its jobs consistent with
// the server from pushed events and, while the channel is down, polling.
package readmodel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/models"
)

const DefaultPollInterval = 4 * time.Second

// Fetcher reads authoritative records. CurrentJob returns ErrNotFound when
// the party has no current job.
type Fetcher interface {
	CurrentJob(ctx context.Context) (*models.JobRecord, error)
	Job(ctx context.Context, jobID string) (*models.JobRecord, error)
}

// Update is handed to listeners. Record is nil when the entry was dropped
// without a final record.
type Update struct {
	JobID       string
	Record      *models.JobRecord
	Invalidated bool
}

type Config struct {
	Fetcher      Fetcher
	Clock        clock.Clock
	Logger       *slog.Logger
	PollInterval time.Duration
	FetchTimeout time.Duration
}

type Cache struct {
	fetch    Fetcher
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	jobs      map[string]*models.JobRecord
	ended     map[string]struct{}
	listeners []func(Update)
	connected bool
	started   bool
	stopped   bool
	timer     clock.Timer
	gen       uint64
}

func New(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &Cache{
		fetch:    cfg.Fetcher,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		interval: cfg.PollInterval,
		timeout:  cfg.FetchTimeout,
		jobs:     make(map[string]*models.JobRecord),
		ended:    make(map[string]struct{}),
	}
}

// OnChange registers fn for every applied record and every invalidation.
func (c *Cache) OnChange(fn func(Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start loads the current job and begins fallback polling unless the
// channel is already marked connected.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	if !c.connected {
		c.armLocked()
	}
	c.mu.Unlock()

	rec, err := c.fetch.CurrentJob(ctx)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	c.Offer(rec)
	return nil
}

// Apply reconciles one pushed event.
func (c *Cache) Apply(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventArchived:
		c.drop(ev.JobID)
		return nil
	case models.EventTransientError:
		return nil
	}
	if ev.Record != nil {
		c.Offer(ev.Record)
		return nil
	}

	c.mu.Lock()
	cached, ok := c.jobs[ev.JobID]
	_, ended := c.ended[ev.JobID]
	stale := ended || (ok && cached.Version >= ev.Version)
	c.mu.Unlock()
	if stale {
		return nil
	}
	// unknown or newer than what we hold: fetch on demand
	rec, err := c.fetch.Job(ctx, ev.JobID)
	if err != nil {
		return err
	}
	c.Offer(rec)
	return nil
}

// Offer applies rec if it passes the ordering guard and reports whether it
// did. A terminal record is announced and then the cache is cleared.
func (c *Cache) Offer(rec *models.JobRecord) bool {
	if rec == nil {
		return false
	}
	c.mu.Lock()
	if _, ended := c.ended[rec.ID]; ended && !rec.Stage.Terminal() {
		c.mu.Unlock()
		return false
	}
	if !Newer(c.jobs[rec.ID], rec) {
		c.mu.Unlock()
		return false
	}
	rec = rec.Clone()
	if rec.Stage.Terminal() {
		c.ended[rec.ID] = struct{}{}
		c.jobs = make(map[string]*models.JobRecord)
	} else {
		c.jobs[rec.ID] = rec
	}
	listeners := append([]func(Update){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(Update{JobID: rec.ID, Record: rec.Clone(), Invalidated: rec.Stage.Terminal()})
	}
	return true
}

// Newer is the ordering guard: incoming wins when nothing is cached, when
// its stage ranks higher, or when the stage is equal and its version is
// higher. Cancelled ranks above every other stage.
func Newer(cached, incoming *models.JobRecord) bool {
	if cached == nil {
		return true
	}
	cr, ir := cached.Stage.Rank(), incoming.Stage.Rank()
	if ir != cr {
		return ir > cr
	}
	return incoming.Version > cached.Version
}

func (c *Cache) drop(jobID string) {
	c.mu.Lock()
	c.ended[jobID] = struct{}{}
	_, had := c.jobs[jobID]
	delete(c.jobs, jobID)
	listeners := append([]func(Update){}, c.listeners...)
	c.mu.Unlock()
	if !had {
		return
	}
	for _, fn := range listeners {
		fn(Update{JobID: jobID, Invalidated: true})
	}
}

// Invalidate clears every entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.drop(id)
	}
}

func (c *Cache) Get(jobID string) (*models.JobRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.jobs[jobID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Current returns the most recently created cached job.
func (c *Cache) Current() *models.JobRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cur *models.JobRecord
	for _, rec := range c.jobs {
		if cur == nil || rec.CreatedAt.After(cur.CreatedAt) {
			cur = rec
		}
	}
	return cur.Clone()
}

// SetConnected toggles fallback polling: stopped while the channel is
// confirmed connected, running otherwise.
func (c *Cache) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	if connected {
		c.disarmLocked()
		return
	}
	if c.started && c.timer == nil {
		c.armLocked()
	}
}

// Polling reports whether the fallback poll is armed.
func (c *Cache) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Cache) armLocked() {
	if c.stopped {
		return
	}
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.interval, func() { c.poll(gen) })
}

func (c *Cache) disarmLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Cache) poll(gen uint64) {
	c.mu.Lock()
	if c.stopped || c.connected || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	rec, err := c.fetch.CurrentJob(ctx)
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.Invalidate()
	case err != nil:
		c.logger.Warn("read model poll failed", slog.Any("error", err))
	default:
		c.Offer(rec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && !c.connected {
		c.armLocked()
	}
}

// Stop tears down the poll timer. The cache keeps answering reads.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmLocked()
	c.stopped = true
}
