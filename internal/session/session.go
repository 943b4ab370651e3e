// Package session owns the lifecycle of a job. Every JobRecord is mutated
// only through its Session, which serialises triggers from the geofence,
// REST and the notification channel by compare-and-set on the stage.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/observability"
	"github.com/example/fixer-dispatch/internal/quote"
	"github.com/example/fixer-dispatch/internal/storage"
)

// Notifier delivers events to the parties. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, ev models.Event)
}

// Source identifies what triggered an arrival confirmation.
type Source string

const (
	SourceGeofence Source = "geofence"
	SourceREST     Source = "rest"
	SourceChannel  Source = "channel"
)

// Change is handed to watchers after every accepted mutation.
type Change struct {
	Type   models.EventType
	Prev   models.Stage
	Record *models.JobRecord
}

type Session struct {
	id     string
	mu     sync.Mutex
	rec    *models.JobRecord
	store  storage.JobStore
	notify Notifier
	clock  clock.Clock
	logger *slog.Logger

	watchers  map[int]func(Change)
	nextWatch int

	done     chan struct{}
	doneOnce sync.Once
	terminal atomic.Bool
}

func newSession(rec *models.JobRecord, store storage.JobStore, notify Notifier, clk clock.Clock, logger *slog.Logger) *Session {
	return &Session{
		id:       rec.ID,
		rec:      rec,
		store:    store,
		notify:   notify,
		clock:    clk,
		logger:   logger.With(slog.String("job_id", rec.ID)),
		watchers: make(map[int]func(Change)),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Snapshot returns a deep copy of the current record.
func (s *Session) Snapshot() *models.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone()
}

func (s *Session) Stage() models.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Stage
}

// Terminal reports whether the job has ended without taking the lock.
func (s *Session) Terminal() bool { return s.terminal.Load() }

// Done is closed once the job reaches a terminal stage.
func (s *Session) Done() <-chan struct{} { return s.done }

// Watch registers fn for every accepted mutation. fn runs outside the
// session lock and may call back into the session.
func (s *Session) Watch(fn func(Change)) (unwatch func()) {
	s.mu.Lock()
	id := s.watchLocked(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Session) watchLocked(fn func(Change)) int {
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	return id
}

func (s *Session) both() []string { return []string{s.rec.UserID, s.rec.FixerID} }

// mutate runs fn against a copy of the record. When fn reports the change
// as applied the copy gets the next version, is persisted, becomes current
// and its event is published, all under the lock so that events leave in
// version order.
func (s *Session) mutate(ctx context.Context, typ models.EventType, fn func(r *models.JobRecord) (bool, error), decorate func(ev *models.Event)) (bool, error) {
	s.mu.Lock()
	prev := s.rec.Stage
	next := s.rec.Clone()
	applied, err := fn(next)
	if err != nil || !applied {
		s.mu.Unlock()
		return false, err
	}
	next.Version = s.rec.Version + 1
	next.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateJob(ctx, next); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("persist job %s: %w", next.ID, err)
	}
	s.rec = next
	s.terminal.Store(next.Stage.Terminal())

	ev := s.eventLocked(typ, s.both())
	if decorate != nil {
		decorate(&ev)
	}
	s.notify.Publish(ctx, ev)

	if prev != next.Stage {
		observability.StageTransitions.WithLabelValues(string(prev), string(next.Stage)).Inc()
		s.logger.Info("job stage changed",
			slog.String("from", string(prev)),
			slog.String("to", string(next.Stage)),
			slog.Uint64("version", next.Version),
		)
	}
	change := Change{Type: typ, Prev: prev, Record: next.Clone()}
	watchers := make([]func(Change), 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	if next.Stage.Terminal() {
		s.doneOnce.Do(func() { close(s.done) })
	}
	for _, w := range watchers {
		w(change)
	}
	return true, nil
}

func (s *Session) eventLocked(typ models.EventType, recipients []string) models.Event {
	return models.Event{
		Type:       typ,
		JobID:      s.rec.ID,
		Recipients: recipients,
		Version:    s.rec.Version,
		Stage:      s.rec.Stage,
		Record:     s.rec.Clone(),
		At:         s.clock.Now(),
	}
}

// announce publishes an event for the current version without mutating.
func (s *Session) announce(ctx context.Context, typ models.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify.Publish(ctx, s.eventLocked(typ, s.both()))
}

// ConfirmArrival moves enRoute to arriving. Repeated confirmations from any
// source are reported as not applied.
func (s *Session) ConfirmArrival(ctx context.Context, src Source) (bool, error) {
	applied, err := s.mutate(ctx, models.EventArrivalConfirmed, func(r *models.JobRecord) (bool, error) {
		switch r.Stage {
		case models.StageEnRoute:
			r.Stage = models.StageArriving
			r.ETA = nil
			r.Route = nil
			return true, nil
		case models.StageArriving, models.StageFixing, models.StageComplete:
			return false, nil
		default:
			return false, models.NewConflict("confirm arrival", r.Stage, "")
		}
	}, func(ev *models.Event) { ev.Reason = string(src) })
	if err == nil && !applied {
		s.logger.Debug("duplicate arrival ignored", slog.String("source", string(src)))
	}
	return applied, err
}

// UpdateFixerLocation records a new fixer position and republishes it to
// the user.
func (s *Session) UpdateFixerLocation(ctx context.Context, c models.Coord) (bool, error) {
	if !c.Valid() {
		return false, models.NewValidationError("location", "out of range")
	}
	return s.mutate(ctx, models.EventLocationUpdated, func(r *models.JobRecord) (bool, error) {
		if r.Stage != models.StageEnRoute {
			return false, models.NewConflict("update location", r.Stage, "")
		}
		r.FixerLocation = c
		return true, nil
	}, func(ev *models.Event) {
		ev.Recipients = []string{ev.Record.UserID}
		loc := c
		ev.Location = &loc
	})
}

// SetRoute stores new directions and the ETA derived from them.
func (s *Session) SetRoute(ctx context.Context, route models.Route, eta time.Time) (bool, error) {
	return s.mutate(ctx, models.EventRouteUpdated, func(r *models.JobRecord) (bool, error) {
		if r.Stage != models.StageEnRoute {
			return false, models.NewConflict("set route", r.Stage, "")
		}
		r.Route = route.Clone()
		at := eta
		r.ETA = &at
		return true, nil
	}, nil)
}

func (s *Session) SubmitQuote(ctx context.Context, amount float64, details string) error {
	_, err := s.mutate(ctx, models.EventQuoteIssued, func(r *models.JobRecord) (bool, error) {
		q, err := quote.Propose(r.Stage, r.Quote, amount, details)
		if err != nil {
			return false, err
		}
		r.Quote = q
		return true, nil
	}, nil)
	return err
}

// DecideQuote applies the user's decision. Accepting moves the job to
// fixing in the same mutation.
func (s *Session) DecideQuote(ctx context.Context, accept bool) error {
	_, err := s.mutate(ctx, models.EventQuoteDecided, func(r *models.JobRecord) (bool, error) {
		if err := quote.Decide(r.Stage, r.Quote, accept); err != nil {
			return false, err
		}
		if accept {
			r.Stage = models.StageFixing
		}
		return true, nil
	}, func(ev *models.Event) { ev.Reason = decision(accept) })
	return err
}

func (s *Session) SubmitRevision(ctx context.Context, amount float64, details string) error {
	_, err := s.mutate(ctx, models.EventRevisionIssued, func(r *models.JobRecord) (bool, error) {
		if err := quote.Revise(r.Stage, r.Quote, amount, details); err != nil {
			return false, err
		}
		return true, nil
	}, nil)
	return err
}

func (s *Session) DecideRevision(ctx context.Context, accept bool) error {
	_, err := s.mutate(ctx, models.EventRevisionDecided, func(r *models.JobRecord) (bool, error) {
		if err := quote.DecideRevision(r.Stage, r.Quote, accept); err != nil {
			return false, err
		}
		return true, nil
	}, func(ev *models.Event) { ev.Reason = decision(accept) })
	return err
}

func decision(accept bool) string {
	if accept {
		return "accepted"
	}
	return "declined"
}

// RecordWorkNotes sets the fixer's description of the work being done.
func (s *Session) RecordWorkNotes(ctx context.Context, notes string) error {
	if err := quote.ValidateText("notes", notes, quote.MaxNotesLen); err != nil {
		return err
	}
	_, err := s.mutate(ctx, models.EventWorkNotes, func(r *models.JobRecord) (bool, error) {
		if r.Stage != models.StageFixing {
			return false, models.NewConflict("record work notes", r.Stage, "")
		}
		r.WorkNotes = notes
		return true, nil
	}, nil)
	return err
}

// Complete finishes the job. Work notes must have been recorded and no
// revision may be awaiting a decision.
func (s *Session) Complete(ctx context.Context, notes string) error {
	if err := quote.ValidateText("notes", notes, quote.MaxNotesLen); err != nil {
		return err
	}
	_, err := s.mutate(ctx, models.EventCompleted, func(r *models.JobRecord) (bool, error) {
		if r.Stage != models.StageFixing {
			return false, models.NewConflict("complete", r.Stage, "")
		}
		if r.WorkNotes == "" {
			return false, models.NewValidationError("workNotes", "must be recorded before completion")
		}
		if r.Quote != nil && r.Quote.RevisedPending {
			return false, models.NewConflict("complete", r.Stage, "a revised cost is awaiting a decision")
		}
		r.Stage = models.StageComplete
		r.CompletionNotes = notes
		return true, nil
	}, nil)
	return err
}

// Cancel ends a non-terminal job. On a terminal job it fails with
// ErrAlreadyTerminal and changes nothing.
func (s *Session) Cancel(ctx context.Context, by models.Party, reason string) error {
	if len([]rune(reason)) > quote.MaxNotesLen {
		return models.NewValidationError("reason", "too long")
	}
	_, err := s.mutate(ctx, models.EventCancelled, func(r *models.JobRecord) (bool, error) {
		if !models.CanTransition(r.Stage, models.StageCancelled) {
			return false, models.NewConflict("cancel", r.Stage, "")
		}
		r.Stage = models.StageCancelled
		p := by
		r.CancelledBy = &p
		r.CancelReason = reason
		r.ETA = nil
		return true, nil
	}, func(ev *models.Event) { ev.Reason = reason })
	return err
}

// Rate records one party's rating of the other on a completed job.
func (s *Session) Rate(ctx context.Context, by models.Party, score int) error {
	if score < 1 || score > 5 {
		return models.NewValidationError("rating", "must be between 1 and 5")
	}
	_, err := s.mutate(ctx, models.EventRated, func(r *models.JobRecord) (bool, error) {
		if r.Stage != models.StageComplete {
			if r.Stage == models.StageCancelled {
				return false, models.NewConflict("rate", r.Stage, "job was cancelled")
			}
			return false, models.NewConflict("rate", r.Stage, "job not complete")
		}
		if _, ok := r.RatingBy(by); ok {
			return false, models.NewConflict("rate", r.Stage, "already rated")
		}
		r.Ratings = append(r.Ratings, models.Rating{By: by, Score: score, At: s.clock.Now()})
		return true, nil
	}, nil)
	return err
}

// PublishTransient tells one party about a recoverable failure without
// touching the job.
func (s *Session) PublishTransient(ctx context.Context, p models.Party, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.eventLocked(models.EventTransientError, []string{s.rec.PartyID(p)})
	ev.Record = nil
	ev.Reason = cause.Error()
	s.notify.Publish(ctx, ev)
}
