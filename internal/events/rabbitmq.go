package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/fixer-dispatch/internal/models"
)

// RabbitConfig holds RabbitMQ connection and publish settings.
type RabbitConfig struct {
	URL               string
	Exchange          string
	RetryAttempts     int
	RetryInterval     time.Duration
	PublishRetries    int
	PublishRetryDelay time.Duration
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes events to a topic exchange with the event type
// as routing key.
type RabbitPublisher struct {
	cfg     RabbitConfig
	conn    *amqp.Connection
	channel amqpChannel
	logger  *slog.Logger
	sleep   func(time.Duration)
}

func NewRabbitPublisher(cfg RabbitConfig, logger *slog.Logger) (*RabbitPublisher, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		logger.Info("connecting to RabbitMQ", slog.Int("attempt", attempt), slog.Int("max_attempts", cfg.RetryAttempts))
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		logger.Error("failed to connect to RabbitMQ", slog.Any("error", err), slog.Int("attempt", attempt))
		if attempt < cfg.RetryAttempts {
			time.Sleep(cfg.RetryInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ after %d attempts: %w", cfg.RetryAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	logger.Info("RabbitMQ publisher initialized", slog.String("exchange", cfg.Exchange))
	return &RabbitPublisher{cfg: cfg, conn: conn, channel: ch, logger: logger, sleep: time.Sleep}, nil
}

// Publish retries with exponential backoff before giving up.
func (r *RabbitPublisher) Publish(ctx context.Context, ev models.Event) error {
	body, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	maxRetries := r.cfg.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := r.cfg.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := r.channel.PublishWithContext(ctx,
			r.cfg.Exchange,  // exchange
			string(ev.Type), // routing key
			false,           // mandatory
			false,           // immediate
			amqp.Publishing{
				ContentType:  ContentType,
				Body:         body,
				DeliveryMode: amqp.Persistent,
				MessageId:    fmt.Sprintf("%s:%d:%s", ev.JobID, ev.Version, ev.Type),
				Timestamp:    ev.At,
			},
		)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxRetries {
			backoff := baseDelay * time.Duration(1<<uint(attempt))
			r.logger.Warn("publish to RabbitMQ failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoff),
				slog.Any("error", err),
			)
			r.sleep(backoff)
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", ev.Type, maxRetries+1, lastErr)
}

func (r *RabbitPublisher) Close() error {
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
