// Package events forwards job lifecycle events to a message broker for
// other service instances and analytics consumers.
package events

import (
	"context"

	"github.com/example/fixer-dispatch/internal/models"
)

// Publisher hands an event to a broker. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
	Close() error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, models.Event) error { return nil }
func (Nop) Close() error                                 { return nil }
