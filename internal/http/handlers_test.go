package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fixer-dispatch/internal/auth"
	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/dispatch"
	"github.com/example/fixer-dispatch/internal/eta"
	"github.com/example/fixer-dispatch/internal/geo"
	"github.com/example/fixer-dispatch/internal/matcher"
	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/observability"
	"github.com/example/fixer-dispatch/internal/session"
	"github.com/example/fixer-dispatch/internal/storage"
	"github.com/example/fixer-dispatch/internal/tracker"
)

var (
	epoch    = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	userLoc  = models.Coord{Lat: 37.77, Lon: -122.41}
	fixerLoc = models.Coord{Lat: 37.78, Lon: -122.41}
)

type env struct {
	clock    *clock.FakeClock
	signer   *auth.Signer
	pool     *geo.Index
	producer *captureProducer
	srv      *httptest.Server
}

type captureProducer struct {
	got []models.Fixer
	err error
}

func (c *captureProducer) PublishAvailability(_ context.Context, f models.Fixer) error {
	c.got = append(c.got, f)
	return c.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEnv(t *testing.T, withProducer bool) *env {
	t.Helper()
	e := &env{clock: clock.Fake(epoch), pool: geo.NewIndex()}
	e.signer = auth.NewSigner("test-secret", e.clock.Now)
	logger := quietLogger()

	hub := dispatch.NewHub(dispatch.HubConfig{Verifier: e.signer, Clock: e.clock, Logger: logger})
	m := session.NewManager(session.ManagerConfig{
		Store:    storage.NewMemoryStore(),
		Notifier: hub,
		Clock:    e.clock,
		Logger:   logger,
	})
	hub.Bind(m)
	reg := tracker.NewRegistry(eta.NaiveRouter{SpeedMps: 10}, e.clock, logger, tracker.Config{})
	m.OnCreate(func(s *session.Session) { reg.Attach(s) })

	cfg := matcher.DefaultConfig()
	cfg.InBandDelay = 0
	d := &matcher.Dispatcher{Pool: e.pool, Sessions: m, Clock: e.clock, Logger: logger, Config: cfg}

	s := &Server{
		Sessions:   m,
		Dispatcher: d,
		Trackers:   reg,
		Pool:       e.pool,
		Channel:    hub,
		Verifier:   e.signer,
		Now:        e.clock.Now,
	}
	if withProducer {
		e.producer = &captureProducer{}
		s.Producer = e.producer
	}
	e.srv = httptest.NewServer(NewServer(s, logger))
	t.Cleanup(func() {
		e.srv.Close()
		d.Shutdown()
		reg.Shutdown()
		_ = hub.Close()
		m.Shutdown()
	})
	return e
}

type result struct {
	status int
	data   json.RawMessage
	code   string
	msg    string
}

func (e *env) call(t *testing.T, party string, role models.Party, method, path string, body any) result {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if party != "" {
		tok, err := e.signer.Issue(party, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := result{status: resp.StatusCode}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	out.data = env.Data
	if env.Error != nil {
		out.code, out.msg = env.Error.Code, env.Error.Message
	}
	return out
}

func (r result) record(t *testing.T) models.JobRecord {
	t.Helper()
	var rec models.JobRecord
	require.NoError(t, json.Unmarshal(r.data, &rec))
	return rec
}

func (e *env) match(t *testing.T) models.JobRecord {
	t.Helper()
	res := e.call(t, "fixer-1", models.PartyFixer, http.MethodPost, "/internal/fixers/availability",
		map[string]any{"lat": fixerLoc.Lat, "lon": fixerLoc.Lon, "rating": 4.8})
	require.Equal(t, http.StatusNoContent, res.status)

	res = e.call(t, "user-1", models.PartyUser, http.MethodPost, "/api/v1/work/find",
		map[string]any{"lat": userLoc.Lat, "lon": userLoc.Lon})
	require.Equal(t, http.StatusOK, res.status)
	var mr models.MatchResult
	require.NoError(t, json.Unmarshal(res.data, &mr))
	require.True(t, mr.Matched)
	require.NotNil(t, mr.Job)
	return *mr.Job
}

func TestRequiresCredential(t *testing.T) {
	e := newEnv(t, false)

	res := e.call(t, "", "", http.MethodGet, "/api/v1/jobs/current", nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.Equal(t, models.CodeUnauthorized, res.code)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/jobs/current", nil)
	req.Header.Set("Authorization", "Bearer forged.token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, false)
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestJobLifecycleOverREST(t *testing.T) {
	e := newEnv(t, false)
	job := e.match(t)
	assert.Equal(t, models.StageEnRoute, job.Stage)
	assert.Equal(t, "fixer-1", job.FixerID)
	path := "/api/v1/jobs/" + job.ID

	res := e.call(t, "fixer-1", models.PartyFixer, http.MethodGet, "/api/v1/jobs/current", nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, job.ID, res.record(t).ID)

	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/directions",
		map[string]any{"lat": fixerLoc.Lat, "lon": fixerLoc.Lon})
	require.Equal(t, http.StatusOK, res.status)
	assert.NotNil(t, res.record(t).ETA)

	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPost, path+"/location",
		map[string]any{"lat": 37.775, "lon": -122.41, "timestamp": epoch.Add(time.Second)})
	require.Equal(t, http.StatusOK, res.status)
	assert.JSONEq(t, `{"outcome":"moved"}`, string(res.data))

	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPost, path+"/location",
		map[string]any{"lat": userLoc.Lat, "lon": userLoc.Lon, "timestamp": epoch.Add(2 * time.Second)})
	require.Equal(t, http.StatusOK, res.status)
	assert.JSONEq(t, `{"outcome":"arrived"}`, string(res.data))

	// a repeated manual confirmation is accepted and changes nothing
	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/arrival", nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, models.StageArriving, res.record(t).Stage)

	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/quote",
		map[string]any{"amount": 120, "details": "replace washer"})
	require.Equal(t, http.StatusOK, res.status)
	require.NotNil(t, res.record(t).Quote)
	assert.True(t, res.record(t).Quote.Pending)

	res = e.call(t, "user-1", models.PartyUser, http.MethodPatch, path+"/quote/decision", map[string]any{"accept": true})
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, models.StageFixing, res.record(t).Stage)

	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/revised-cost",
		map[string]any{"amount": 150, "details": "valve seat worn"})
	require.Equal(t, http.StatusOK, res.status)
	res = e.call(t, "user-1", models.PartyUser, http.MethodPatch, path+"/revised-cost/decision", map[string]any{"accept": true})
	require.Equal(t, http.StatusOK, res.status)

	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/complete", map[string]any{"notes": "done"})
	assert.Equal(t, http.StatusBadRequest, res.status, "work notes come first")
	assert.Equal(t, models.CodeValidation, res.code)

	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/notes", map[string]any{"notes": "swapped valve"})
	require.Equal(t, http.StatusOK, res.status)
	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/complete", map[string]any{"notes": "done"})
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, models.StageComplete, res.record(t).Stage)

	res = e.call(t, "user-1", models.PartyUser, http.MethodPatch, path+"/rating", map[string]any{"rating": 9})
	assert.Equal(t, http.StatusBadRequest, res.status)
	res = e.call(t, "user-1", models.PartyUser, http.MethodPatch, path+"/rating", map[string]any{"rating": 5})
	require.Equal(t, http.StatusOK, res.status)
	res = e.call(t, "user-1", models.PartyUser, http.MethodPatch, path+"/rating", map[string]any{"rating": 4})
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, models.CodeStateConflict, res.code)
	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPatch, path+"/rating", map[string]any{"rating": 5})
	require.Equal(t, http.StatusOK, res.status)

	// both rated: archived, no longer current, still readable by id
	res = e.call(t, "user-1", models.PartyUser, http.MethodGet, "/api/v1/jobs/current", nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	res = e.call(t, "user-1", models.PartyUser, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.record(t).Ratings, 2)

	// the pool carries the rating users gave, not the one the fixer reports
	res = e.call(t, "fixer-1", models.PartyFixer, http.MethodPost, "/internal/fixers/availability",
		map[string]any{"lat": fixerLoc.Lat, "lon": fixerLoc.Lon, "rating": 1})
	require.Equal(t, http.StatusNoContent, res.status)
	near, err := e.pool.Nearby(context.Background(), fixerLoc, 1)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, 5.0, near[0].Rating)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, false)
	job := e.match(t)
	path := "/api/v1/jobs/" + job.ID

	tests := []struct {
		name   string
		party  string
		role   models.Party
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad coordinate", "user-2", models.PartyUser, http.MethodPost, "/api/v1/work/find", map[string]any{"lat": 200, "lon": 0}, http.StatusBadRequest, models.CodeValidation},
		{"missing coordinate", "user-2", models.PartyUser, http.MethodPost, "/api/v1/work/find", map[string]any{"lat": 1}, http.StatusBadRequest, models.CodeValidation},
		{"no search to cancel", "user-2", models.PartyUser, http.MethodDelete, "/api/v1/work/find", nil, http.StatusNotFound, models.CodeNotFound},
		{"no current job", "user-2", models.PartyUser, http.MethodGet, "/api/v1/jobs/current", nil, http.StatusNotFound, models.CodeNotFound},
		{"foreign job", "user-2", models.PartyUser, http.MethodGet, path, nil, http.StatusForbidden, models.CodeForbidden},
		{"unknown job", "user-1", models.PartyUser, http.MethodGet, "/api/v1/jobs/nope", nil, http.StatusNotFound, models.CodeNotFound},
		{"user cannot confirm arrival", "user-1", models.PartyUser, http.MethodPatch, path + "/arrival", nil, http.StatusForbidden, models.CodeForbidden},
		{"user cannot report location", "user-1", models.PartyUser, http.MethodPost, path + "/location", map[string]any{"lat": 1, "lon": 1}, http.StatusForbidden, models.CodeForbidden},
		{"quote before arrival", "fixer-1", models.PartyFixer, http.MethodPatch, path + "/quote", map[string]any{"amount": 10, "details": "x"}, http.StatusConflict, models.CodeStateConflict},
		{"decision without accept", "user-1", models.PartyUser, http.MethodPatch, path + "/quote/decision", map[string]any{}, http.StatusBadRequest, models.CodeValidation},
		{"malformed body", "user-1", models.PartyUser, http.MethodPatch, path + "/rating", "not an object", http.StatusBadRequest, models.CodeValidation},
		{"fixer cannot find work", "fixer-2", models.PartyFixer, http.MethodPost, "/api/v1/work/find", map[string]any{"lat": userLoc.Lat, "lon": userLoc.Lon}, http.StatusForbidden, models.CodeForbidden},
		{"user availability", "user-1", models.PartyUser, http.MethodPost, "/internal/fixers/availability", map[string]any{"lat": 1, "lon": 1}, http.StatusForbidden, models.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.call(t, tt.party, tt.role, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, res.status)
			assert.Equal(t, tt.code, res.code)
			assert.NotEmpty(t, res.msg)
		})
	}
}

func TestCancelCurrentTwiceReportsAlreadyTerminal(t *testing.T) {
	e := newEnv(t, false)
	job := e.match(t)

	res := e.call(t, "user-1", models.PartyUser, http.MethodPost, "/api/v1/jobs/current/cancel", map[string]any{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, res.status)
	rec := res.record(t)
	assert.Equal(t, job.ID, rec.ID)
	assert.Equal(t, models.StageCancelled, rec.Stage)

	res = e.call(t, "user-1", models.PartyUser, http.MethodPost, "/api/v1/jobs/current/cancel", nil)
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, models.CodeAlreadyTerminal, res.code)
}

func TestSearchingThenCancelled(t *testing.T) {
	e := newEnv(t, false)

	res := e.call(t, "user-1", models.PartyUser, http.MethodPost, "/api/v1/work/find", map[string]any{"lat": userLoc.Lat, "lon": userLoc.Lon})
	require.Equal(t, http.StatusOK, res.status)
	var mr models.MatchResult
	require.NoError(t, json.Unmarshal(res.data, &mr))
	assert.False(t, mr.Matched)
	assert.True(t, mr.Searching)

	res = e.call(t, "user-1", models.PartyUser, http.MethodDelete, "/api/v1/work/find", nil)
	assert.Equal(t, http.StatusNoContent, res.status)
	res = e.call(t, "user-1", models.PartyUser, http.MethodDelete, "/api/v1/work/find", nil)
	assert.Equal(t, http.StatusNotFound, res.status)
}

func TestAvailabilityGoesToProducerWhenConfigured(t *testing.T) {
	e := newEnv(t, true)

	res := e.call(t, "fixer-9", models.PartyFixer, http.MethodPost, "/internal/fixers/availability",
		map[string]any{"lat": fixerLoc.Lat, "lon": fixerLoc.Lon, "rating": 4.1, "online": false})
	require.Equal(t, http.StatusNoContent, res.status)
	require.Len(t, e.producer.got, 1)
	assert.Equal(t, "fixer-9", e.producer.got[0].ID)
	assert.False(t, e.producer.got[0].Online)

	near, err := e.pool.Nearby(context.Background(), fixerLoc, 10)
	require.NoError(t, err)
	assert.Empty(t, near, "the ingest worker owns pool writes")

	e.producer.err = errors.New("broker down")
	res = e.call(t, "fixer-9", models.PartyFixer, http.MethodPost, "/internal/fixers/availability",
		map[string]any{"lat": fixerLoc.Lat, "lon": fixerLoc.Lon})
	assert.Equal(t, http.StatusServiceUnavailable, res.status)
	assert.Equal(t, models.CodeNoResponse, res.code)
}

func TestChannelUpgradesThroughMiddleware(t *testing.T) {
	e := newEnv(t, false)
	tok, err := e.signer.Issue("fixer-1", models.PartyFixer, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOnlineGaugeCountsTransitionsOnly(t *testing.T) {
	e := newEnv(t, false)
	ping := func(online bool) {
		res := e.call(t, "fixer-7", models.PartyFixer, http.MethodPost, "/internal/fixers/availability",
			map[string]any{"lat": fixerLoc.Lat, "lon": fixerLoc.Lon, "online": online})
		require.Equal(t, http.StatusNoContent, res.status)
	}
	before := testutil.ToFloat64(observability.FixersOnline)

	ping(true)
	ping(true)
	ping(true)
	assert.Equal(t, before+1, testutil.ToFloat64(observability.FixersOnline))

	ping(false)
	ping(false)
	assert.Equal(t, before, testutil.ToFloat64(observability.FixersOnline))
}
