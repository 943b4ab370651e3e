package partyclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/dispatch"
	"github.com/example/fixer-dispatch/internal/models"
)

const DefaultAckTimeout = 5 * time.Second

var errCredentialExpired = errors.New("channel closed: credential expired")

// RejectedError is a NOK acknowledgement.
type RejectedError struct {
	Action string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Reason)
}

// Channel is the party's notification connection. Room membership survives
// a credential-driven reconnect.
type Channel struct {
	URL        string
	Creds      CredentialSource
	Dialer     *websocket.Dialer
	Clock      clock.Clock
	Logger     *slog.Logger
	AckTimeout time.Duration
	OnEvent    func(models.Event)
	OnState    func(connected bool)

	mu      sync.Mutex
	cur     *link
	rooms   map[string]struct{}
	pending map[string]chan dispatch.ServerFrame
	closed  bool
}

type link struct {
	ws        *websocket.Conn
	wmu       sync.Mutex
	dead      chan struct{}
	closeCode int
}

func NewChannel(url string, creds CredentialSource, logger *slog.Logger) *Channel {
	return &Channel{URL: url, Creds: creds, Logger: logger}
}

func (c *Channel) init() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	if c.pending == nil {
		c.pending = make(map[string]chan dispatch.ServerFrame)
	}
}

// Connect dials with the current credential. A 401 refreshes the credential
// and dials once more; a second 401 is ErrUnauthorized.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.init()
	c.closed = false
	c.mu.Unlock()

	tok, err := c.Creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("credential: %w", models.ErrUnauthorized)
	}
	l, status, err := c.dial(ctx, tok)
	if status == http.StatusUnauthorized {
		return c.redial(ctx)
	}
	if err != nil {
		return fmt.Errorf("channel dial: %w: %v", models.ErrNoResponse, err)
	}
	c.install(l)
	return nil
}

// redial refreshes the credential, reconnects and re-joins every room.
func (c *Channel) redial(ctx context.Context) error {
	tok, err := c.Creds.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh credential: %w", models.ErrUnauthorized)
	}
	l, status, err := c.dial(ctx, tok)
	if status == http.StatusUnauthorized {
		return fmt.Errorf("channel rejected refreshed credential: %w", models.ErrUnauthorized)
	}
	if err != nil {
		return fmt.Errorf("channel dial: %w: %v", models.ErrNoResponse, err)
	}
	c.install(l)

	for _, jobID := range c.Rooms() {
		if err := c.sendOnce(ctx, dispatch.ClientFrame{Action: dispatch.ActionJoin, JobID: jobID}); err != nil {
			c.Logger.Warn("rejoin room", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	return nil
}

func (c *Channel) dial(ctx context.Context, tok string) (*link, int, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	ws, resp, err := c.Dialer.DialContext(ctx, c.URL, h)
	if err != nil {
		if resp != nil {
			return nil, resp.StatusCode, err
		}
		return nil, 0, err
	}
	return &link{ws: ws, dead: make(chan struct{})}, 0, nil
}

func (c *Channel) install(l *link) {
	c.mu.Lock()
	if old := c.cur; old != nil {
		_ = old.ws.Close()
	}
	c.cur = l
	onState := c.OnState
	c.mu.Unlock()

	go c.readLoop(l)
	if onState != nil {
		onState(true)
	}
}

func (c *Channel) readLoop(l *link) {
	for {
		var f dispatch.ServerFrame
		if err := l.ws.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				l.closeCode = ce.Code
			}
			c.mu.Lock()
			current := c.cur == l
			if current {
				c.cur = nil
			}
			closed, onState := c.closed, c.OnState
			c.mu.Unlock()
			if current && !closed {
				c.Logger.Info("channel disconnected", slog.Any("error", err))
				if onState != nil {
					onState(false)
				}
			}
			// waiters see the state change before they can redial
			close(l.dead)
			return
		}
		switch f.Type {
		case dispatch.FrameAck:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case dispatch.FrameEvent:
			if f.Event != nil && c.OnEvent != nil {
				c.OnEvent(*f.Event)
			}
		}
	}
}

// Send transmits one action and waits for its acknowledgement. When the
// server closes the connection because the credential expired, the channel
// reconnects once with a refreshed credential and repeats the action.
func (c *Channel) Send(ctx context.Context, f dispatch.ClientFrame) error {
	err := c.sendOnce(ctx, f)
	if !errors.Is(err, errCredentialExpired) {
		return err
	}
	if err := c.redial(ctx); err != nil {
		return err
	}
	err = c.sendOnce(ctx, f)
	if errors.Is(err, errCredentialExpired) {
		return fmt.Errorf("%s: %w", f.Action, models.ErrUnauthorized)
	}
	return err
}

func (c *Channel) sendOnce(ctx context.Context, f dispatch.ClientFrame) error {
	c.mu.Lock()
	c.init()
	l := c.cur
	if l == nil {
		c.mu.Unlock()
		return fmt.Errorf("channel not connected: %w", models.ErrNoResponse)
	}
	f.ID = uuid.NewString()
	ch := make(chan dispatch.ServerFrame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	l.wmu.Lock()
	err := l.ws.WriteJSON(f)
	l.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("channel write: %w: %v", models.ErrNoResponse, err)
	}

	select {
	case ack := <-ch:
		if ack.Status != dispatch.StatusOK {
			return &RejectedError{Action: f.Action, Reason: ack.Error}
		}
		return nil
	case <-l.dead:
		if l.closeCode == dispatch.CloseCredentialExpired {
			return errCredentialExpired
		}
		return fmt.Errorf("channel closed awaiting ack: %w", models.ErrNoResponse)
	case <-c.Clock.After(c.AckTimeout):
		return fmt.Errorf("%s ack timeout: %w", f.Action, models.ErrNoResponse)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Join(ctx context.Context, jobID string) error {
	if err := c.Send(ctx, dispatch.ClientFrame{Action: dispatch.ActionJoin, JobID: jobID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.init()
	c.rooms[jobID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Leave drops the room locally even if the server could not be told.
func (c *Channel) Leave(ctx context.Context, jobID string) error {
	c.mu.Lock()
	c.init()
	delete(c.rooms, jobID)
	c.mu.Unlock()
	return c.Send(ctx, dispatch.ClientFrame{Action: dispatch.ActionLeave, JobID: jobID})
}

func (c *Channel) Arrived(ctx context.Context, jobID string) error {
	return c.Send(ctx, dispatch.ClientFrame{Action: dispatch.ActionArrived, JobID: jobID})
}

func (c *Channel) Cancel(ctx context.Context, jobID, reason string) error {
	return c.Send(ctx, dispatch.ClientFrame{Action: dispatch.ActionCancel, JobID: jobID, Reason: reason})
}

// Track records a room joined implicitly, such as through job.matched.
func (c *Channel) Track(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	c.rooms[jobID] = struct{}{}
}

func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	l := c.cur
	c.cur = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return l.ws.Close()
}
