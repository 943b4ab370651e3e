package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/example/fixer-dispatch/internal/auth"
	"github.com/example/fixer-dispatch/internal/cache"
	"github.com/example/fixer-dispatch/internal/clock"
	"github.com/example/fixer-dispatch/internal/config"
	"github.com/example/fixer-dispatch/internal/dispatch"
	"github.com/example/fixer-dispatch/internal/eta"
	"github.com/example/fixer-dispatch/internal/events"
	"github.com/example/fixer-dispatch/internal/geo"
	httpapi "github.com/example/fixer-dispatch/internal/http"
	"github.com/example/fixer-dispatch/internal/ingest"
	"github.com/example/fixer-dispatch/internal/logging"
	"github.com/example/fixer-dispatch/internal/matcher"
	"github.com/example/fixer-dispatch/internal/session"
	"github.com/example/fixer-dispatch/internal/storage"
	"github.com/example/fixer-dispatch/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadServerConfigFrom(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", slog.Any("error", err))
			}
		}
	}()

	// candidate pool and reservations
	var (
		pool     geo.Pool
		reserver cache.Reserver
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, rc.Close)
		pool = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.PoolRadiusMeters)
		reserver = cache.NewRedisReserverFromClient(rc)
	} else {
		logger.Info("REDIS_ADDR not set; using in-memory candidate pool")
		pool = geo.NewIndex()
		reserver = cache.NewMemoryReserver(clk.Now)
	}

	// job storage
	var store storage.JobStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.RunMigrations(cfg.PGDSN, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", slog.String("dir", cfg.MigrationsDir))
		}
		ps, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{DSN: cfg.PGDSN}, logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		store = ps
	} else {
		logger.Info("PG_DSN not set; using in-memory job store")
		store = storage.NewMemoryStore()
	}

	// lifecycle event broker
	var broker events.Publisher = events.Nop{}
	switch cfg.EventBroker {
	case "kafka":
		broker = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
	case "rabbitmq":
		rp, err := events.NewRabbitPublisher(events.RabbitConfig{URL: cfg.RabbitURL, Exchange: cfg.RabbitExch}, logger)
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		broker = rp
	}
	closers = append(closers, broker.Close)

	// availability ingest
	var producer httpapi.AvailabilityPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.AvailabilityTopic)
		closers = append(closers, kp.Close)
		producer = kp
	}

	// routing
	var router eta.Router = eta.NaiveRouter{SpeedMps: cfg.DefaultSpeedMps}
	var estimator eta.Estimator
	if cfg.OSRMURL != "" {
		osrm := eta.NewOSRMClient(cfg.OSRMURL)
		router, estimator = osrm, osrm
	}

	var push dispatch.PushSender
	switch {
	case cfg.FCMEndpoint != "":
		push = dispatch.NewFCMPush(cfg.FCMEndpoint, cfg.FCMKey)
	case cfg.PushWebhookURL != "":
		push = dispatch.NewWebhookPush(cfg.PushWebhookURL)
	}

	signer := auth.NewSigner(cfg.AuthSecret, clk.Now)
	hub := dispatch.NewHub(dispatch.HubConfig{
		Verifier:      signer,
		Broker:        broker,
		Push:          push,
		Clock:         clk,
		Logger:        logger.With(slog.String("component", "hub")),
		ActionTimeout: cfg.ChannelAckTimeout,
	})
	manager := session.NewManager(session.ManagerConfig{
		Store:      store,
		Notifier:   hub,
		Router:     router,
		Clock:      clk,
		Logger:     logger.With(slog.String("component", "sessions")),
		AckTimeout: cfg.RatingWindow,
	})
	hub.Bind(manager)

	trackers := tracker.NewRegistry(router, clk, logger.With(slog.String("component", "tracker")), tracker.Config{
		RadiusMiles: cfg.GeofenceRadiusMiles,
		MinRecheck:  cfg.ETARecheck,
	})
	manager.OnCreate(func(s *session.Session) { trackers.Attach(s) })

	dispatcher := &matcher.Dispatcher{
		Pool:      pool,
		Sessions:  manager,
		Reserver:  reserver,
		ETAClient: estimator,
		ETACache:  eta.NewCache(30 * time.Second),
		Clock:     clk,
		Logger:    logger.With(slog.String("component", "matcher")),
		Config: matcher.Config{
			TopN:             cfg.MatcherTopN,
			DefaultSpeedMps:  cfg.DefaultSpeedMps,
			ImmediateRetries: cfg.ImmediateRetries,
			InBandDelay:      cfg.InBandDelay,
			RetryInterval:    cfg.RetryInterval,
			ReservationTTL:   cfg.ReservationTTL,
		},
	}

	api := httpapi.NewServer(&httpapi.Server{
		Sessions:   manager,
		Dispatcher: dispatcher,
		Trackers:   trackers,
		Pool:       pool,
		Channel:    hub,
		Verifier:   signer,
		Producer:   producer,
		Now:        clk.Now,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fixer-dispatch listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	dispatcher.Shutdown()
	trackers.Shutdown()
	if err := hub.Close(); err != nil {
		logger.Warn("hub close", slog.Any("error", err))
	}
	manager.Shutdown()
	return nil
}
