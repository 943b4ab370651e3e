package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/eta"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/observability"
	"github.com/example/fixer-dispatch/internal/storage"
)

const DefaultAckTimeout = 30 * time.Minute

// Manager keeps one Session per active job and indexes them by party.
// Lock order is session before manager; the manager never calls into a
// session while holding its own lock.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	byParty   map[string]string
	archived  map[string]string
	ackTimers map[string]clock.Timer
	hooks     []func(*Session)
	scores    map[string]*scoreSum

	store      storage.JobStore
	notify     Notifier
	router     eta.Router
	clock      clock.Clock
	logger     *slog.Logger
	ackTimeout time.Duration
	newID      func() string
}

type ManagerConfig struct {
	Store      storage.JobStore
	Notifier   Notifier
	Router     eta.Router
	Clock      clock.Clock
	Logger     *slog.Logger
	AckTimeout time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Router == nil {
		cfg.Router = eta.NaiveRouter{}
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		byParty:    make(map[string]string),
		archived:   make(map[string]string),
		ackTimers:  make(map[string]clock.Timer),
		scores:     make(map[string]*scoreSum),
		store:      cfg.Store,
		notify:     cfg.Notifier,
		router:     cfg.Router,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		ackTimeout: cfg.AckTimeout,
		newID:      uuid.NewString,
	}
}

// OnCreate registers fn to run for every new session after job.matched
// has been published.
func (m *Manager) OnCreate(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Create binds a user and a fixer into a new job in stage enRoute and
// notifies both. It refuses if either party already has a non-terminal job.
func (m *Manager) Create(ctx context.Context, userID, fixerID string, userLoc, fixerLoc models.Coord) (*Session, error) {
	if userID == "" || fixerID == "" || userID == fixerID {
		return nil, models.NewValidationError("party", "a job needs two distinct parties")
	}
	now := m.clock.Now()
	rec := &models.JobRecord{
		ID:            m.newID(),
		Stage:         models.StageEnRoute,
		UserID:        userID,
		FixerID:       fixerID,
		UserLocation:  userLoc,
		FixerLocation: fixerLoc,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s := newSession(rec, m.store, m.notify, m.clock, m.logger)

	// hold the new session's lock until job.matched is out so no action
	// can publish ahead of it
	s.mu.Lock()
	m.mu.Lock()
	for _, id := range []string{userID, fixerID} {
		if m.busyLocked(id) {
			m.mu.Unlock()
			s.mu.Unlock()
			return nil, fmt.Errorf("party %s already has an active job: %w", id, models.ErrStateConflict)
		}
	}
	if err := m.store.SaveJob(ctx, rec); err != nil {
		m.mu.Unlock()
		s.mu.Unlock()
		return nil, fmt.Errorf("save job: %w", err)
	}
	m.sessions[rec.ID] = s
	m.byParty[userID] = rec.ID
	m.byParty[fixerID] = rec.ID
	delete(m.archived, userID)
	delete(m.archived, fixerID)
	hooks := append([]func(*Session){}, m.hooks...)
	observability.ActiveJobs.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	// the archiving watcher goes in before any other caller can reach s
	s.watchLocked(func(c Change) { m.onChange(s, c) })
	s.notify.Publish(ctx, s.eventLocked(models.EventMatched, s.both()))
	s.mu.Unlock()

	m.logger.Info("job created",
		slog.String("job_id", rec.ID),
		slog.String("user_id", userID),
		slog.String("fixer_id", fixerID),
	)
	for _, h := range hooks {
		h(s)
	}
	return s, nil
}

func (m *Manager) busyLocked(partyID string) bool {
	id, ok := m.byParty[partyID]
	if !ok {
		return false
	}
	s, ok := m.sessions[id]
	return ok && !s.Terminal()
}

func (m *Manager) Get(jobID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[jobID]
	return s, ok
}

// ActiveFor returns the party's non-terminal session, if any.
func (m *Manager) ActiveFor(partyID string) *Session {
	s := m.latest(partyID)
	if s == nil || s.Terminal() {
		return nil
	}
	return s
}

func (m *Manager) latest(partyID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byParty[partyID]
	if !ok {
		return nil
	}
	return m.sessions[id]
}

// CurrentJob returns the party's most recent unarchived job. A completed
// job stays current until it is archived so that it can be rated.
func (m *Manager) CurrentJob(partyID string) (*models.JobRecord, error) {
	s := m.latest(partyID)
	if s == nil {
		return nil, fmt.Errorf("current job for %s: %w", partyID, models.ErrNotFound)
	}
	return s.Snapshot(), nil
}

// JobFor returns a job the party takes part in, archived or not.
func (m *Manager) JobFor(ctx context.Context, partyID, jobID string) (*models.JobRecord, error) {
	var rec *models.JobRecord
	if s, ok := m.Get(jobID); ok {
		rec = s.Snapshot()
	} else {
		stored, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		rec = stored
	}
	if _, ok := rec.PartyOf(partyID); !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrForbidden)
	}
	return rec, nil
}

// Authorize reports which side partyID is on for a live job.
func (m *Manager) Authorize(partyID, jobID string) (models.Party, error) {
	s, ok := m.Get(jobID)
	if !ok {
		return "", fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	p, ok := s.Snapshot().PartyOf(partyID)
	if !ok {
		return "", fmt.Errorf("job %s: %w", jobID, models.ErrForbidden)
	}
	return p, nil
}

// resolve finds the live session for jobID and checks that partyID may act
// on it in the given role. An empty role accepts either side. A job that has
// already been archived yields a conflict for its final stage.
func (m *Manager) resolve(ctx context.Context, op, partyID, jobID string, role models.Party) (*Session, models.Party, error) {
	s, ok := m.Get(jobID)
	if !ok {
		rec, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, "", err
		}
		if _, ok := rec.PartyOf(partyID); !ok {
			return nil, "", fmt.Errorf("job %s: %w", jobID, models.ErrForbidden)
		}
		return nil, "", models.NewConflict(op, rec.Stage, "job archived")
	}
	p, ok := s.Snapshot().PartyOf(partyID)
	if !ok {
		return nil, "", fmt.Errorf("job %s: %w", jobID, models.ErrForbidden)
	}
	if role != "" && p != role {
		return nil, "", fmt.Errorf("%s is a %s action: %w", op, role, models.ErrForbidden)
	}
	return s, p, nil
}

func (m *Manager) ConfirmArrival(ctx context.Context, partyID, jobID string, src Source) (*models.JobRecord, error) {
	s, _, err := m.resolve(ctx, "confirm arrival", partyID, jobID, models.PartyFixer)
	if err != nil {
		return nil, err
	}
	if _, err := s.ConfirmArrival(ctx, src); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) Cancel(ctx context.Context, partyID, jobID, reason string) (*models.JobRecord, error) {
	s, p, err := m.resolve(ctx, "cancel", partyID, jobID, "")
	if err != nil {
		return nil, err
	}
	if err := s.Cancel(ctx, p, reason); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// CancelCurrent cancels the party's current job. Repeating it after the
// job was cancelled and archived reports ErrAlreadyTerminal.
func (m *Manager) CancelCurrent(ctx context.Context, partyID, reason string) (*models.JobRecord, error) {
	if s := m.latest(partyID); s != nil {
		return m.Cancel(ctx, partyID, s.ID(), reason)
	}
	m.mu.RLock()
	last, ok := m.archived[partyID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("current job for %s: %w", partyID, models.ErrNotFound)
	}
	return m.Cancel(ctx, partyID, last, reason)
}

// UpdateDirections reroutes the fixer from the given position to the user.
func (m *Manager) UpdateDirections(ctx context.Context, partyID, jobID string, from models.Coord) (*models.JobRecord, error) {
	if !from.Valid() {
		return nil, models.NewValidationError("location", "out of range")
	}
	s, _, err := m.resolve(ctx, "update directions", partyID, jobID, models.PartyFixer)
	if err != nil {
		return nil, err
	}
	if _, err := s.UpdateFixerLocation(ctx, from); err != nil {
		return nil, err
	}
	route, d, err := m.router.Directions(ctx, from, s.Snapshot().UserLocation)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("directions: %w", models.ErrNoResponse)
	}
	if _, err := s.SetRoute(ctx, route, m.clock.Now().Add(d)); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) SubmitQuote(ctx context.Context, partyID, jobID string, amount float64, details string) (*models.JobRecord, error) {
	s, _, err := m.resolve(ctx, "submit quote", partyID, jobID, models.PartyFixer)
	if err != nil {
		return nil, err
	}
	if err := s.SubmitQuote(ctx, amount, details); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) DecideQuote(ctx context.Context, partyID, jobID string, accept bool) (*models.JobRecord, error) {
	s, _, err := m.resolve(ctx, "decide quote", partyID, jobID, models.PartyUser)
	if err != nil {
		return nil, err
	}
	if err := s.DecideQuote(ctx, accept); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) SubmitRevision(ctx context.Context, partyID, jobID string, amount float64, details string) (*models.JobRecord, error) {
	s, _, err := m.resolve(ctx, "submit revision", partyID, jobID, models.PartyFixer)
	if err != nil {
		return nil, err
	}
	if err := s.SubmitRevision(ctx, amount, details); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) DecideRevision(ctx context.Context, partyID, jobID string, accept bool) (*models.JobRecord, error) {
	s, _, err := m.resolve(ctx, "decide revision", partyID, jobID, models.PartyUser)
	if err != nil {
		return nil, err
	}
	if err := s.DecideRevision(ctx, accept); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) RecordWorkNotes(ctx context.Context, partyID, jobID, notes string) (*models.JobRecord, error) {
	s, _, err := m.resolve(ctx, "record work notes", partyID, jobID, models.PartyFixer)
	if err != nil {
		return nil, err
	}
	if err := s.RecordWorkNotes(ctx, notes); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) Complete(ctx context.Context, partyID, jobID, notes string) (*models.JobRecord, error) {
	s, _, err := m.resolve(ctx, "complete", partyID, jobID, models.PartyFixer)
	if err != nil {
		return nil, err
	}
	if err := s.Complete(ctx, notes); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) Rate(ctx context.Context, partyID, jobID string, score int) (*models.JobRecord, error) {
	s, p, err := m.resolve(ctx, "rate", partyID, jobID, "")
	if err != nil {
		return nil, err
	}
	if err := s.Rate(ctx, p, score); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) onChange(s *Session, c Change) {
	if c.Type == models.EventRated && len(c.Record.Ratings) > 0 {
		if last := c.Record.Ratings[len(c.Record.Ratings)-1]; last.By == models.PartyUser {
			m.recordScore(c.Record.FixerID, last.Score)
		}
	}
	switch {
	case c.Record.Stage == models.StageCancelled && c.Prev != models.StageCancelled:
		m.archive(context.Background(), s)
	case c.Record.Stage == models.StageComplete && c.Prev != models.StageComplete:
		t := m.clock.AfterFunc(m.ackTimeout, func() {
			m.logger.Info("rating window elapsed", slog.String("job_id", s.ID()))
			m.archive(context.Background(), s)
		})
		m.mu.Lock()
		m.ackTimers[s.ID()] = t
		m.mu.Unlock()
	case c.Type == models.EventRated && len(c.Record.Ratings) == 2:
		m.archive(context.Background(), s)
	}
}

// archive moves a terminal job out of active storage and drops it from
// the indexes. Safe to call more than once.
func (m *Manager) archive(ctx context.Context, s *Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID())
	if t, ok := m.ackTimers[s.ID()]; ok {
		t.Stop()
		delete(m.ackTimers, s.ID())
	}
	for party, id := range m.byParty {
		if id == s.ID() {
			delete(m.byParty, party)
			m.archived[party] = id
		}
	}
	observability.ActiveJobs.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if err := m.store.Archive(ctx, s.ID()); err != nil {
		m.logger.Error("archive job failed", slog.String("job_id", s.ID()), slog.Any("error", err))
	}
	s.announce(ctx, models.EventArchived)
	m.logger.Info("job archived", slog.String("job_id", s.ID()), slog.String("stage", string(s.Stage())))
}

// Shutdown stops pending rating-window timers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.ackTimers {
		t.Stop()
		delete(m.ackTimers, id)
	}
}

type scoreSum struct {
	total int
	n     int
}

func (m *Manager) recordScore(fixerID string, score int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.scores[fixerID]
	if !ok {
		sum = &scoreSum{}
		m.scores[fixerID] = sum
	}
	sum.total += score
	sum.n++
}

// FixerRating is the mean score users gave fixerID since this process
// started. ok is false until the fixer has been rated at least once.
func (m *Manager) FixerRating(fixerID string) (rating float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, ok := m.scores[fixerID]
	if !ok || sum.n == 0 {
		return 0, false
	}
	return float64(sum.total) / float64(sum.n), true
}
