package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fixer-dispatch/internal/models"
)

func sampleEvent() models.Event {
	at := time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC)
	return models.Event{
		Type:       models.EventQuoteIssued,
		JobID:      "job-1",
		Recipients: []string{"user-1", "fixer-1"},
		Version:    4,
		Stage:      models.StageArriving,
		Record: &models.JobRecord{
			ID:        "job-1",
			Stage:     models.StageArriving,
			UserID:    "user-1",
			FixerID:   "fixer-1",
			Quote:     &models.Quote{Amount: 125, Details: []string{"replace faucet"}, Pending: true},
			Version:   4,
			CreatedAt: at,
			UpdatedAt: at,
		},
		At: at,
	}
}

func TestCodecDeterministic(t *testing.T) {
	ev := sampleEvent()
	a, err := Encode(ev)
	require.NoError(t, err)
	b, err := Encode(ev)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	got, err := Decode(a)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Recipients, got.Recipients)
	assert.True(t, ev.At.Equal(got.At))
	require.NotNil(t, got.Record)
	assert.Equal(t, ev.Record.Quote.Details, got.Record.Quote.Details)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByJob(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, timeout: time.Second}

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "job-1", string(w.msgs[0].Key))
	assert.Equal(t, "quote.issued", string(w.msgs[0].Headers[1].Value))

	w.err = errors.New("broker down")
	assert.Error(t, p.Publish(context.Background(), sampleEvent()))
}

type flakyChannel struct {
	failures int
	calls    int
	last     amqp.Publishing
	key      string
}

func (f *flakyChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("channel closed")
	}
	f.key = key
	f.last = msg
	return nil
}

func (f *flakyChannel) Close() error { return nil }

func TestRabbitPublisherRetries(t *testing.T) {
	ch := &flakyChannel{failures: 2}
	var slept []time.Duration
	p := &RabbitPublisher{
		cfg:     RabbitConfig{Exchange: "jobs", PublishRetries: 3, PublishRetryDelay: 10 * time.Millisecond},
		channel: ch,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:   func(d time.Duration) { slept = append(slept, d) },
	}

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.Equal(t, 3, ch.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
	assert.Equal(t, "quote.issued", ch.key)
	assert.Equal(t, ContentType, ch.last.ContentType)

	ch = &flakyChannel{failures: 10}
	p.channel = ch
	err := p.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Equal(t, 4, ch.calls)
}
