// Package dispatch delivers job events to connected parties over websocket
// rooms and falls back to mobile push when a party has no live connection.
package dispatch

import (
	"context"

	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/session"
)

// Client actions.
const (
	ActionJoin    = "join"
	ActionLeave   = "leave"
	ActionArrived = "arrived"
	ActionCancel  = "cancel"
)

const (
	FrameEvent = "event"
	FrameAck   = "ack"

	StatusOK  = "OK"
	StatusNOK = "NOK"

	// CloseCredentialExpired is sent when an action arrives after the
	// connection's credential has expired.
	CloseCredentialExpired = 4001
)

// ClientFrame is one action sent by a party.
type ClientFrame struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// ServerFrame is either an acknowledgement or a pushed event.
type ServerFrame struct {
	Type   string        `json:"type"`
	ID     string        `json:"id,omitempty"`
	Status string        `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
	Event  *models.Event `json:"event,omitempty"`
}

// ActionHandler performs channel actions on behalf of the authenticated party.
type ActionHandler interface {
	Authorize(partyID, jobID string) (models.Party, error)
	ConfirmArrival(ctx context.Context, partyID, jobID string, src session.Source) (*models.JobRecord, error)
	Cancel(ctx context.Context, partyID, jobID, reason string) (*models.JobRecord, error)
}

// PushSender delivers an event to a party's device outside the channel.
type PushSender interface {
	Push(ctx context.Context, partyID string, ev models.Event) error
}
