package partyclient

import (
	"context"
	"log/slog"

	"github.com/example/fixer-dispatch/internal/models"
)

type channelActions interface {
	Arrived(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID, reason string) error
}

type restActions interface {
	ConfirmArrival(ctx context.Context, jobID string) (*models.JobRecord, error)
	CancelCurrent(ctx context.Context, reason string) (*models.JobRecord, error)
}

// Actions sends arrival and cancellation over the channel first and falls
// back to REST when the channel refuses, times out or is down.
type Actions struct {
	Channel channelActions
	REST    restActions
	Logger  *slog.Logger
}

func (a *Actions) ConfirmArrival(ctx context.Context, jobID string) error {
	if a.Channel != nil {
		err := a.Channel.Arrived(ctx, jobID)
		if err == nil {
			return nil
		}
		a.logger().Info("arrival over channel failed, using REST", slog.String("job_id", jobID), slog.Any("error", err))
	}
	_, err := a.REST.ConfirmArrival(ctx, jobID)
	return err
}

// Cancel reports ErrAlreadyTerminal when the job had already ended.
func (a *Actions) Cancel(ctx context.Context, jobID, reason string) error {
	if a.Channel != nil {
		err := a.Channel.Cancel(ctx, jobID, reason)
		if err == nil {
			return nil
		}
		a.logger().Info("cancel over channel failed, using REST", slog.String("job_id", jobID), slog.Any("error", err))
	}
	_, err := a.REST.CancelCurrent(ctx, reason)
	return err
}

func (a *Actions) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
