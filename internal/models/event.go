package models

import "time"

type EventType string

const (
	EventMatched          EventType = "job.matched"
	EventLocationUpdated  EventType = "location.updated"
	EventRouteUpdated     EventType = "route.updated"
	EventArrivalConfirmed EventType = "arrival.confirmed"
	EventQuoteIssued      EventType = "quote.issued"
	EventQuoteDecided     EventType = "quote.decided"
	EventRevisionIssued   EventType = "revision.issued"
	EventRevisionDecided  EventType = "revision.decided"
	EventWorkNotes        EventType = "work.notes"
	EventCompleted        EventType = "job.completed"
	EventCancelled        EventType = "job.cancelled"
	EventRated            EventType = "job.rated"
	EventArchived         EventType = "job.archived"
	EventTransientError   EventType = "error.transient"
)

// Event is a push notification about one job. Record carries the
// post-mutation snapshot so observers can reconcile without a fetch.
type Event struct {
	Type       EventType  `json:"type"`
	JobID      string     `json:"jobId"`
	Recipients []string   `json:"recipients,omitempty"`
	Version    uint64     `json:"version"`
	Stage      Stage      `json:"stage"`
	Location   *Coord     `json:"location,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Record     *JobRecord `json:"record,omitempty"`
	At         time.Time  `json:"at"`
}
