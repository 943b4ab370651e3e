package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fixer-dispatch/internal/geo"
	"github.com/example/fixer-dispatch/internal/models"
)

// flakyPool fails Upsert a set number of times before delegating.
type flakyPool struct {
	geo.Pool
	fail  int
	calls int
}

func (f *flakyPool) Upsert(ctx context.Context, fx models.Fixer) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis unavailable")
	}
	return f.Pool.Upsert(ctx, fx)
}

var fixer = models.Fixer{ID: "f1", Loc: models.Coord{Lat: 1, Lon: 2}, Rating: 4.5, Online: true}

func TestUpdatePoolWithRetrySucceedsAfterRetries(t *testing.T) {
	p := &flakyPool{Pool: geo.NewIndex(), fail: 2}
	start := time.Now()
	require.NoError(t, updatePoolWithRetry(context.Background(), p, fixer, 3, 10*time.Millisecond))
	assert.Equal(t, 3, p.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	near, err := p.Nearby(context.Background(), fixer.Loc, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "f1", near[0].ID)
}

func TestUpdatePoolWithRetryFailsWhenExhausted(t *testing.T) {
	p := &flakyPool{Pool: geo.NewIndex(), fail: 5}
	err := updatePoolWithRetry(context.Background(), p, fixer, 3, 5*time.Millisecond)
	assert.ErrorContains(t, err, "redis unavailable")
	assert.Equal(t, 3, p.calls)
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`{"id":"f1","loc":{"lat":1,"lon":2},"rating":4,"online":true}`)},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"id":"f2","loc":{"lat":1.001,"lon":2},"rating":5,"online":true}`)},
	}}
	pool := geo.NewIndex()

	consume(ctx, r, pool, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)

	near, err := pool.Nearby(context.Background(), models.Coord{Lat: 1, Lon: 2}, 5)
	require.NoError(t, err)
	assert.Len(t, near, 2)
}
