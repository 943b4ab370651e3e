// Package httpapi is the REST surface of the dispatch service. Every route
// under /api/v1 requires a bearer credential; the authenticated subject is
// the acting party.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fixer-dispatch/internal/auth"
	"github.com/example/fixer-dispatch/internal/geo"
	"github.com/example/fixer-dispatch/internal/matcher"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/observability"
	"github.com/example/fixer-dispatch/internal/session"
	"github.com/example/fixer-dispatch/internal/tracker"
)

const maxBodyBytes = 1 << 16

// AvailabilityPublisher forwards fixer availability to the ingest pipeline.
type AvailabilityPublisher interface {
	PublishAvailability(ctx context.Context, f models.Fixer) error
}

type Server struct {
	Sessions   *session.Manager
	Dispatcher *matcher.Dispatcher
	Trackers   *tracker.Registry
	Pool       geo.Pool
	Channel    http.Handler
	Verifier   auth.Verifier
	Producer   AvailabilityPublisher // optional
	Now        func() time.Time

	logger *slog.Logger
	mux    *mux.Router

	presenceMu sync.Mutex
	online     map[string]bool
}

// NewServer registers the routes on a Server whose dependencies are already
// set.
func NewServer(s *Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	s.logger = logger
	s.online = make(map[string]bool)
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.Channel != nil {
		s.mux.Handle("/ws", s.Channel).Methods(http.MethodGet)
	}
	s.mux.Handle("/internal/fixers/availability", s.authenticate(http.HandlerFunc(s.handleAvailability))).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/work/find", s.handleFindWork).Methods(http.MethodPost)
	api.HandleFunc("/work/find", s.handleCancelSearch).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/current", s.handleCurrentJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/current/cancel", s.handleCancelCurrent).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{job_id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}/arrival", s.handleArrival).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/directions", s.handleDirections).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{job_id}/quote", s.handleQuote).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/quote/decision", s.handleQuoteDecision).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/revised-cost", s.handleRevision).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/revised-cost/decision", s.handleRevisionDecision).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/notes", s.handleWorkNotes).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/complete", s.handleComplete).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{job_id}/rating", s.handleRate).Methods(http.MethodPatch)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type coordBody struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (b coordBody) coord() (models.Coord, error) {
	if b.Lat == nil || b.Lon == nil {
		return models.Coord{}, models.NewValidationError("location", "lat and lon are required")
	}
	c := models.Coord{Lat: *b.Lat, Lon: *b.Lon}
	if !c.Valid() {
		return models.Coord{}, models.NewValidationError("location", "out of range")
	}
	return c, nil
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type costBody struct {
	Amount  float64 `json:"amount"`
	Details string  `json:"details"`
}

type decisionBody struct {
	Accept *bool `json:"accept"`
}

type notesBody struct {
	Notes string `json:"notes"`
}

type ratingBody struct {
	Rating int `json:"rating"`
}

type locationBody struct {
	coordBody
	Timestamp *time.Time `json:"timestamp"`
}

type availabilityBody struct {
	coordBody
	Rating float64 `json:"rating"`
	Online *bool   `json:"online"`
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("request body: %w: %v", models.ErrValidation, err)
}

func jobID(r *http.Request) string { return mux.Vars(r)["job_id"] }

func (s *Server) handleFindWork(w http.ResponseWriter, r *http.Request) {
	if claims, _ := auth.ClaimsFrom(r.Context()); claims.Role == models.PartyFixer {
		s.fail(w, r, fmt.Errorf("finding work is a user action: %w", models.ErrForbidden))
		return
	}
	var body coordBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	loc, err := body.coord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Dispatcher.FindWork(r.Context(), auth.PartyID(r.Context()), loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatcher.CancelSearch(auth.PartyID(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Sessions.CurrentJob(auth.PartyID(r.Context()))
	s.reply(w, r, rec, err)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Sessions.JobFor(r.Context(), auth.PartyID(r.Context()), jobID(r))
	s.reply(w, r, rec, err)
}

func (s *Server) handleCancelCurrent(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.CancelCurrent(r.Context(), auth.PartyID(r.Context()), body.Reason)
	s.reply(w, r, rec, err)
}

func (s *Server) handleArrival(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Sessions.ConfirmArrival(r.Context(), auth.PartyID(r.Context()), jobID(r), session.SourceREST)
	s.reply(w, r, rec, err)
}

func (s *Server) handleDirections(w http.ResponseWriter, r *http.Request) {
	var body coordBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	from, err := body.coord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.UpdateDirections(r.Context(), auth.PartyID(r.Context()), jobID(r), from)
	s.reply(w, r, rec, err)
}

// handleLocation feeds one position sample into the job's tracker.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	loc, err := body.coord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id := jobID(r)
	p, err := s.Sessions.Authorize(auth.PartyID(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p != models.PartyFixer {
		s.fail(w, r, fmt.Errorf("location is a fixer action: %w", models.ErrForbidden))
		return
	}
	ts := s.Now()
	if body.Timestamp != nil {
		ts = *body.Timestamp
	}
	outcome, err := s.Trackers.Update(r.Context(), id, models.LocationUpdate{Coord: loc, Timestamp: ts})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body costBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.SubmitQuote(r.Context(), auth.PartyID(r.Context()), jobID(r), body.Amount, body.Details)
	s.reply(w, r, rec, err)
}

func (s *Server) handleQuoteDecision(w http.ResponseWriter, r *http.Request) {
	accept, err := decision(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.DecideQuote(r.Context(), auth.PartyID(r.Context()), jobID(r), accept)
	s.reply(w, r, rec, err)
}

func (s *Server) handleRevision(w http.ResponseWriter, r *http.Request) {
	var body costBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.SubmitRevision(r.Context(), auth.PartyID(r.Context()), jobID(r), body.Amount, body.Details)
	s.reply(w, r, rec, err)
}

func (s *Server) handleRevisionDecision(w http.ResponseWriter, r *http.Request) {
	accept, err := decision(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.DecideRevision(r.Context(), auth.PartyID(r.Context()), jobID(r), accept)
	s.reply(w, r, rec, err)
}

func decision(r *http.Request) (bool, error) {
	var body decisionBody
	if err := decode(r, &body); err != nil {
		return false, err
	}
	if body.Accept == nil {
		return false, models.NewValidationError("accept", "missing")
	}
	return *body.Accept, nil
}

func (s *Server) handleWorkNotes(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.RecordWorkNotes(r.Context(), auth.PartyID(r.Context()), jobID(r), body.Notes)
	s.reply(w, r, rec, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.Complete(r.Context(), auth.PartyID(r.Context()), jobID(r), body.Notes)
	s.reply(w, r, rec, err)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body ratingBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.Sessions.Rate(r.Context(), auth.PartyID(r.Context()), jobID(r), body.Rating)
	s.reply(w, r, rec, err)
}

// handleAvailability records a fixer's position and online state in the
// candidate pool. With a producer configured the ingest worker owns pool
// writes; without one the pool is updated directly.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	if claims.Role == models.PartyUser {
		s.fail(w, r, fmt.Errorf("availability is a fixer action: %w", models.ErrForbidden))
		return
	}
	var body availabilityBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	loc, err := body.coord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Rating < 0 || body.Rating > 5 {
		s.fail(w, r, models.NewValidationError("rating", "must be between 0 and 5"))
		return
	}
	f := models.Fixer{ID: claims.Subject, Loc: loc, Rating: body.Rating, Online: true, Updated: s.Now()}
	if body.Online != nil {
		f.Online = *body.Online
	}
	// the reported rating only seeds fixers nobody has rated yet
	if rating, ok := s.Sessions.FixerRating(f.ID); ok {
		f.Rating = rating
	}

	if s.Producer != nil {
		err = s.Producer.PublishAvailability(r.Context(), f)
	} else {
		err = s.Pool.Upsert(r.Context(), f)
	}
	if err != nil {
		s.fail(w, r, fmt.Errorf("availability: %w: %v", models.ErrNoResponse, err))
		return
	}
	s.markPresence(f.ID, f.Online)
	w.WriteHeader(http.StatusNoContent)
}

// markPresence moves the online gauge only when a fixer changes state, so
// periodic heartbeats do not inflate it.
func (s *Server) markPresence(fixerID string, online bool) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if s.online[fixerID] == online {
		return
	}
	if online {
		s.online[fixerID] = true
		observability.FixersOnline.Inc()
		return
	}
	delete(s.online, fixerID)
	observability.FixersOnline.Dec()
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, rec *models.JobRecord, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, rec)
}
