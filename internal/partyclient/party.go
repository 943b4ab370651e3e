package partyclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/readmodel"
)

type PartyConfig struct {
	BaseURL      string
	ChannelURL   string
	Creds        CredentialSource
	Clock        clock.Clock
	Logger       *slog.Logger
	PollInterval time.Duration
	AckTimeout   time.Duration
}

// Party is one connected participant: REST, channel and read model wired
// together. Channel events feed the read model, channel connectivity
// toggles its fallback poll, and the party leaves a job's room once the
// job ends.
type Party struct {
	REST    *REST
	Channel *Channel
	Cache   *readmodel.Cache
	Actions *Actions
	logger  *slog.Logger
}

func NewParty(cfg PartyConfig) *Party {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	p := &Party{logger: cfg.Logger}
	p.REST = NewREST(cfg.BaseURL, cfg.Creds, cfg.Logger)
	p.Cache = readmodel.New(readmodel.Config{
		Fetcher:      p.REST,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
		PollInterval: cfg.PollInterval,
	})
	p.Channel = &Channel{
		URL:        cfg.ChannelURL,
		Creds:      cfg.Creds,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		AckTimeout: cfg.AckTimeout,
		OnEvent:    p.onEvent,
		OnState:    p.Cache.SetConnected,
	}
	p.Actions = &Actions{Channel: p.Channel, REST: p.REST, Logger: cfg.Logger}
	return p
}

// Start loads the read model and connects the channel. A channel failure
// is returned but the read model keeps polling.
func (p *Party) Start(ctx context.Context) error {
	if err := p.Cache.Start(ctx); err != nil {
		p.logger.Warn("initial job fetch failed", slog.Any("error", err))
	}
	if err := p.Channel.Connect(ctx); err != nil {
		return err
	}
	if cur := p.Cache.Current(); cur != nil {
		if err := p.Channel.Join(ctx, cur.ID); err != nil {
			p.logger.Warn("join current job room", slog.String("job_id", cur.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (p *Party) onEvent(ev models.Event) {
	if ev.Type == models.EventMatched {
		p.Channel.Track(ev.JobID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Cache.Apply(ctx, ev); err != nil {
		p.logger.Warn("apply event", slog.String("job_id", ev.JobID), slog.Any("error", err))
	}
	if ev.Type == models.EventArchived || (ev.Record != nil && ev.Record.Stage == models.StageCancelled) {
		// events arrive on the channel's read loop, which must keep
		// running to deliver the leave ack
		go p.leave(ev.JobID)
	}
}

func (p *Party) leave(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Channel.Leave(ctx, jobID); err != nil {
		p.logger.Debug("leave room", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// View projects the party's current job, if any.
func (p *Party) View(me models.Party) (readmodel.View, bool) {
	cur := p.Cache.Current()
	if cur == nil {
		return readmodel.View{}, false
	}
	return readmodel.Project(cur, me), true
}

func (p *Party) Close() error {
	p.Cache.Stop()
	return p.Channel.Close()
}
