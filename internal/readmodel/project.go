package readmodel

import (
	"time"

	"github.com/example/fixer-dispatch/internal/models"
)

type Action string

const (
	ActionCancel         Action = "cancel"
	ActionConfirmArrival Action = "confirmArrival"
	ActionDirections     Action = "updateDirections"
	ActionSubmitQuote    Action = "submitQuote"
	ActionDecideQuote    Action = "decideQuote"
	ActionSubmitRevision Action = "submitRevision"
	ActionDecideRevision Action = "decideRevision"
	ActionWorkNotes      Action = "recordWorkNotes"
	ActionComplete       Action = "complete"
	ActionRate           Action = "rate"
)

// View is what one party sees of a job. Everything is derived from the
// record on demand.
type View struct {
	JobID                string
	Stage                models.Stage
	Me                   models.Party
	CounterpartyID       string
	CounterpartyLocation *models.Coord
	ETA                  *time.Time
	Route                *models.Route
	Quote                *models.Quote
	AwaitingMe           bool
	AwaitingThem         bool
	Actions              []Action
}

func Project(rec *models.JobRecord, me models.Party) View {
	v := View{
		JobID:          rec.ID,
		Stage:          rec.Stage,
		Me:             me,
		CounterpartyID: rec.PartyID(me.Other()),
		Quote:          rec.Quote.Clone(),
	}
	if rec.Stage == models.StageEnRoute {
		if rec.ETA != nil {
			eta := *rec.ETA
			v.ETA = &eta
		}
		if me == models.PartyUser {
			loc := rec.FixerLocation
			v.CounterpartyLocation = &loc
		} else {
			loc := rec.UserLocation
			v.CounterpartyLocation = &loc
			v.Route = rec.Route.Clone()
		}
	}

	// who owes the next decision
	var waitingOn models.Party
	q := rec.Quote
	switch rec.Stage {
	case models.StageArriving:
		if q != nil && q.Pending {
			waitingOn = models.PartyUser
		} else {
			waitingOn = models.PartyFixer
		}
	case models.StageFixing:
		if q != nil && q.RevisedPending {
			waitingOn = models.PartyUser
		}
	}
	v.AwaitingMe = waitingOn == me
	v.AwaitingThem = waitingOn != "" && waitingOn != me

	v.Actions = actions(rec, me)
	return v
}

func actions(rec *models.JobRecord, me models.Party) []Action {
	q := rec.Quote
	pending := q != nil && q.Pending
	revising := q != nil && q.RevisedPending

	var out []Action
	switch rec.Stage {
	case models.StageEnRoute:
		if me == models.PartyFixer {
			out = append(out, ActionConfirmArrival, ActionDirections)
		}
	case models.StageArriving:
		switch {
		case me == models.PartyFixer && !pending:
			out = append(out, ActionSubmitQuote)
		case me == models.PartyUser && pending:
			out = append(out, ActionDecideQuote)
		}
	case models.StageFixing:
		if me == models.PartyUser {
			if revising {
				out = append(out, ActionDecideRevision)
			}
			break
		}
		out = append(out, ActionWorkNotes)
		if !revising {
			out = append(out, ActionSubmitRevision)
			if rec.WorkNotes != "" {
				out = append(out, ActionComplete)
			}
		}
	case models.StageComplete:
		if _, rated := rec.RatingBy(me); !rated {
			out = append(out, ActionRate)
		}
		return out
	case models.StageCancelled:
		return out
	}
	return append(out, ActionCancel)
}
