package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/fixer-dispatch/internal/auth"
	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/events"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/observability"
	"github.com/example/fixer-dispatch/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	brokerTimeout  = 5 * time.Second
	pushTimeout    = 5 * time.Second
	defaultQueue   = 64
	defaultOutbox  = 1024
	defaultTimeout = 5 * time.Second
)

var _ session.Notifier = (*Hub)(nil)

type HubConfig struct {
	Verifier      auth.Verifier
	Actions       ActionHandler
	Broker        events.Publisher
	Push          PushSender
	Clock         clock.Clock
	Logger        *slog.Logger
	QueueSize     int
	ActionTimeout time.Duration
	CheckOrigin   func(r *http.Request) bool
}

// Hub fans job events out to the parties' websocket connections. A
// connection receives an event only for jobs whose room it has joined;
// job.matched joins every connection of both parties automatically.
type Hub struct {
	verifier      auth.Verifier
	broker        events.Publisher
	push          PushSender
	clock         clock.Clock
	logger        *slog.Logger
	queueSize     int
	actionTimeout time.Duration
	upgrader      websocket.Upgrader

	mu      sync.Mutex
	actions ActionHandler
	parties map[string]map[*conn]struct{}
	closed  bool
	pushes  sync.WaitGroup

	outbox     chan models.Event
	brokerDone chan struct{}
}

type conn struct {
	ws      *websocket.Conn
	party   string
	expires time.Time
	send    chan []byte
	rooms   map[string]struct{} // guarded by Hub.mu
	done    chan struct{}
	once    sync.Once
}

func (c *conn) close() { c.once.Do(func() { close(c.done) }) }

func NewHub(cfg HubConfig) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Broker == nil {
		cfg.Broker = events.Nop{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueue
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultTimeout
	}
	h := &Hub{
		verifier:      cfg.Verifier,
		actions:       cfg.Actions,
		broker:        cfg.Broker,
		push:          cfg.Push,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		queueSize:     cfg.QueueSize,
		actionTimeout: cfg.ActionTimeout,
		upgrader:      websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		parties:       make(map[string]map[*conn]struct{}),
		outbox:        make(chan models.Event, defaultOutbox),
		brokerDone:    make(chan struct{}),
	}
	go h.forward()
	return h
}

// Bind sets the action handler. The session manager needs the hub as its
// notifier, so the two are wired in two steps.
func (h *Hub) Bind(a ActionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = a
}

// ServeHTTP authenticates the request and upgrades it. A missing or invalid
// credential is refused with 401 before the upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := auth.FromRequest(r)
	if tok == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Verify(tok)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &conn{
		ws:      ws,
		party:   claims.Subject,
		expires: claims.ExpiresAt,
		send:    make(chan []byte, h.queueSize),
		rooms:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	if !h.register(c) {
		_ = ws.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.parties[c.party]
	if !ok {
		set = make(map[*conn]struct{})
		h.parties[c.party] = set
	}
	set[c] = struct{}{}
	observability.ChannelConnections.Inc()
	h.logger.Info("channel connected", slog.String("party_id", c.party))
	return true
}

func (h *Hub) unregister(c *conn) {
	c.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.parties[c.party]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.parties, c.party)
	}
	observability.ChannelConnections.Dec()
	h.logger.Info("channel disconnected", slog.String("party_id", c.party))
}

// deliver never blocks: a connection whose queue is full is dropped and
// the party reconciles through its read model.
func (h *Hub) deliver(c *conn, b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		h.logger.Warn("channel queue full, dropping connection", slog.String("party_id", c.party))
		c.close()
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) readPump(c *conn) {
	defer h.unregister(c)
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("channel read", slog.String("party_id", c.party), slog.Any("error", err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if !h.clock.Now().Before(c.expires) {
			h.logger.Info("credential expired on channel", slog.String("party_id", c.party))
			cm := websocket.FormatCloseMessage(CloseCredentialExpired, "credential expired")
			_ = c.ws.WriteControl(websocket.CloseMessage, cm, time.Now().Add(writeWait))
			return
		}
		var f ClientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			h.ack(c, f, models.NewValidationError("frame", "malformed json"))
			continue
		}
		h.ack(c, f, h.handle(c, f))
	}
}

func (h *Hub) handle(c *conn, f ClientFrame) error {
	if f.JobID == "" {
		return models.NewValidationError("jobId", "missing")
	}
	h.mu.Lock()
	actions := h.actions
	h.mu.Unlock()
	if actions == nil {
		return errors.New("channel actions unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.actionTimeout)
	defer cancel()

	switch f.Action {
	case ActionJoin:
		if _, err := actions.Authorize(c.party, f.JobID); err != nil {
			return err
		}
		h.mu.Lock()
		c.rooms[f.JobID] = struct{}{}
		h.mu.Unlock()
		return nil
	case ActionLeave:
		h.mu.Lock()
		delete(c.rooms, f.JobID)
		h.mu.Unlock()
		return nil
	case ActionArrived:
		_, err := actions.ConfirmArrival(ctx, c.party, f.JobID, session.SourceChannel)
		return err
	case ActionCancel:
		_, err := actions.Cancel(ctx, c.party, f.JobID, f.Reason)
		return err
	default:
		return models.NewValidationError("action", "unknown action "+f.Action)
	}
}

func (h *Hub) ack(c *conn, f ClientFrame, err error) {
	out := ServerFrame{Type: FrameAck, ID: f.ID, Status: StatusOK}
	if err != nil {
		out.Status, out.Error = StatusNOK, err.Error()
	}
	action := f.Action
	switch action {
	case ActionJoin, ActionLeave, ActionArrived, ActionCancel:
	default:
		action = "unknown"
	}
	observability.ChannelAcks.WithLabelValues(action, out.Status).Inc()
	b, merr := json.Marshal(out)
	if merr != nil {
		h.logger.Error("marshal ack", slog.Any("error", merr))
		return
	}
	h.deliver(c, b)
}

// Publish implements session.Notifier. It is called under the session lock
// and must not block: frames are queued, pushes run in the background and
// the broker is fed through a bounded outbox.
func (h *Hub) Publish(_ context.Context, ev models.Event) {
	frame, err := json.Marshal(ServerFrame{Type: FrameEvent, Event: &ev})
	if err != nil {
		h.logger.Error("marshal event frame", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	var offline []string
	for _, pid := range ev.Recipients {
		conns := h.parties[pid]
		if len(conns) == 0 {
			offline = append(offline, pid)
			continue
		}
		for c := range conns {
			if ev.Type == models.EventMatched {
				c.rooms[ev.JobID] = struct{}{}
			}
			if _, joined := c.rooms[ev.JobID]; joined {
				h.deliver(c, frame)
			}
			if ev.Type == models.EventArchived {
				delete(c.rooms, ev.JobID)
			}
		}
	}
	select {
	case h.outbox <- ev:
	default:
		h.logger.Warn("broker outbox full, event dropped", slog.String("job_id", ev.JobID), slog.String("type", string(ev.Type)))
	}
	if h.push == nil || !pushWorthy(ev.Type) {
		offline = nil
	}
	h.pushes.Add(len(offline))
	h.mu.Unlock()

	for _, pid := range offline {
		go h.pushTo(pid, ev)
	}
}

// Location and route updates are too frequent to push.
func pushWorthy(t models.EventType) bool {
	switch t {
	case models.EventLocationUpdated, models.EventRouteUpdated, models.EventTransientError:
		return false
	}
	return true
}

func (h *Hub) pushTo(partyID string, ev models.Event) {
	defer h.pushes.Done()
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := h.push.Push(ctx, partyID, ev); err != nil {
		observability.PushFallbacks.WithLabelValues("failed").Inc()
		h.logger.Warn("push fallback failed",
			slog.String("party_id", partyID),
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}
	observability.PushFallbacks.WithLabelValues("sent").Inc()
}

func (h *Hub) forward() {
	defer close(h.brokerDone)
	for ev := range h.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
		if err := h.broker.Publish(ctx, ev); err != nil {
			h.logger.Warn("broker publish failed",
				slog.String("job_id", ev.JobID),
				slog.String("type", string(ev.Type)),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}

// Connections reports how many live connections partyID has.
func (h *Hub) Connections(partyID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.parties[partyID])
}

// Joined reports whether any connection of partyID is in the job's room.
func (h *Hub) Joined(partyID, jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.parties[partyID] {
		if _, ok := c.rooms[jobID]; ok {
			return true
		}
	}
	return false
}

// Close drops every connection, drains the broker outbox and waits for
// in-flight pushes.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, set := range h.parties {
		for c := range set {
			c.close()
		}
	}
	close(h.outbox)
	h.mu.Unlock()

	<-h.brokerDone
	h.pushes.Wait()
	return nil
}
