package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a usable WGS84 coordinate pair.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Party tags which side of a job an actor is on.
type Party string

const (
	PartyUser  Party = "user"
	PartyFixer Party = "fixer"
)

func (p Party) Valid() bool { return p == PartyUser || p == PartyFixer }

// Other returns the counterparty tag.
func (p Party) Other() Party {
	if p == PartyUser {
		return PartyFixer
	}
	return PartyUser
}

// Fixer is a candidate in the dispatch pool.
type Fixer struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

type RouteStep struct {
	Instruction     string  `json:"instruction"`
	DistanceMeters  float64 `json:"distanceMeters"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type Route struct {
	Coordinates     []Coord     `json:"coordinates"`
	Steps           []RouteStep `json:"steps,omitempty"`
	DistanceMeters  float64     `json:"distanceMeters"`
	DurationSeconds float64     `json:"durationSeconds"`
}

func (r *Route) Clone() *Route {
	if r == nil {
		return nil
	}
	out := *r
	out.Coordinates = append([]Coord(nil), r.Coordinates...)
	out.Steps = append([]RouteStep(nil), r.Steps...)
	return &out
}

// Quote is the cost negotiation state of a job. Details is append-only,
// newest last. At most one of Pending and RevisedPending is set.
type Quote struct {
	Amount          float64  `json:"amount"`
	AgreedAmount    float64  `json:"agreedAmount"`
	Details         []string `json:"details"`
	Pending         bool     `json:"pending"`
	RevisedPending  bool     `json:"revisedPending"`
	Accepted        bool     `json:"accepted"`
	RevisedAccepted bool     `json:"revisedAccepted"`
}

func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	out := *q
	out.Details = append([]string(nil), q.Details...)
	return &out
}

type Rating struct {
	By    Party     `json:"by"`
	Score int       `json:"score"`
	At    time.Time `json:"at"`
}

// JobRecord is the authoritative state of one job between one user and one fixer.
type JobRecord struct {
	ID              string     `json:"jobId"`
	Stage           Stage      `json:"trackerStage"`
	UserID          string     `json:"userId"`
	FixerID         string     `json:"fixerId"`
	UserLocation    Coord      `json:"userLocation"`
	FixerLocation   Coord      `json:"fixerLocation"`
	Route           *Route     `json:"route,omitempty"`
	ETA             *time.Time `json:"eta,omitempty"`
	Quote           *Quote     `json:"quote,omitempty"`
	WorkNotes       string     `json:"workNotes,omitempty"`
	CompletionNotes string     `json:"completionNotes,omitempty"`
	CancelledBy     *Party     `json:"cancelledBy,omitempty"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	Ratings         []Rating   `json:"ratings,omitempty"`
	Version         uint64     `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out of the owning session.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	out := *j
	out.Route = j.Route.Clone()
	out.Quote = j.Quote.Clone()
	if j.ETA != nil {
		eta := *j.ETA
		out.ETA = &eta
	}
	if j.CancelledBy != nil {
		by := *j.CancelledBy
		out.CancelledBy = &by
	}
	out.Ratings = append([]Rating(nil), j.Ratings...)
	return &out
}

// PartyOf reports which side partyID is on, if any.
func (j *JobRecord) PartyOf(partyID string) (Party, bool) {
	switch partyID {
	case j.UserID:
		return PartyUser, true
	case j.FixerID:
		return PartyFixer, true
	}
	return "", false
}

// PartyID returns the id of the given side.
func (j *JobRecord) PartyID(p Party) string {
	if p == PartyFixer {
		return j.FixerID
	}
	return j.UserID
}

// RatingBy returns the rating submitted by p, if any.
func (j *JobRecord) RatingBy(p Party) (Rating, bool) {
	for _, r := range j.Ratings {
		if r.By == p {
			return r, true
		}
	}
	return Rating{}, false
}

// LocationUpdate is one fixer position sample from a device watch callback.
type LocationUpdate struct {
	Coord     Coord     `json:"coord"`
	Timestamp time.Time `json:"timestamp"`
}

// MatchResult is the outcome of a find-work call.
type MatchResult struct {
	Job       *JobRecord `json:"job,omitempty"`
	Matched   bool       `json:"matched"`
	Existing  bool       `json:"existing"`
	Searching bool       `json:"searching"`
	Attempts  int        `json:"attempts"`
}
