package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	flag "github.com/spf13/pflag"

	"github.com/example/fixer-dispatch/internal/config"
	"github.com/example/fixer-dispatch/internal/geo"
	"github.com/example/fixer-dispatch/internal/ingest"
	"github.com/example/fixer-dispatch/internal/logging"
	"github.com/example/fixer-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total fixer availability messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	poolUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pool_updates_total",
		Help: "Total successful candidate pool updates",
	})
	poolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pool_errors_total",
		Help: "Total candidate pool write failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, poolUpdates, poolErrors)
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// allow some flags for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.StringVar(&cfg.Group, "group", cfg.Group, "kafka consumer group")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pool := geo.NewRedisGeo(rc, cfg.RedisGeoKey, 0)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", slog.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening",
		slog.String("topic", cfg.Topic),
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("group", cfg.Group))

	consume(ctx, r, pool, logger, cfg.MaxBackoff)
	logger.Info("shutting down consumer")
	return nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume applies availability messages to the pool until ctx is done.
// Read failures back off exponentially up to maxBackoff.
func consume(ctx context.Context, r messageReader, pool geo.Pool, logger *slog.Logger, maxBackoff time.Duration) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", slog.Any("error", err), slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		f, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", slog.Any("error", err), slog.Int64("offset", m.Offset))
			continue
		}

		if err := updatePoolWithRetry(ctx, pool, f, 3, 200*time.Millisecond); err != nil {
			poolErrors.Inc()
			logger.Error("pool update failed", slog.String("fixer_id", f.ID), slog.Any("error", err))
			continue
		}
		poolUpdates.Inc()
	}
}

// updatePoolWithRetry writes f to the pool, retrying with doubling delay.
func updatePoolWithRetry(ctx context.Context, pool geo.Pool, f models.Fixer, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = pool.Upsert(ctx, f); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
