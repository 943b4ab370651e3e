package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Defaults come first, then an optional YAML file, then environment
// variables, so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	AuthSecret string `yaml:"auth_secret"`

	RedisAddr         string  `yaml:"redis_addr"`
	RedisPassword     string  `yaml:"redis_password"`
	RedisGeoKey       string  `yaml:"redis_geo_key"`
	PoolRadiusMeters  float64 `yaml:"pool_radius_meters"`
	AvailabilityTopic string  `yaml:"availability_topic"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	EventBroker  string   `yaml:"event_broker"` // kafka, rabbitmq or empty
	EventsTopic  string   `yaml:"events_topic"`
	RabbitURL    string   `yaml:"rabbit_url"`
	RabbitExch   string   `yaml:"rabbit_exchange"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrations_dir"`

	OSRMURL        string `yaml:"osrm_url"`
	FCMEndpoint    string `yaml:"fcm_endpoint"`
	FCMKey         string `yaml:"fcm_key"`
	PushWebhookURL string `yaml:"push_webhook_url"`

	DefaultSpeedMps  float64       `yaml:"default_speed_mps"`
	MatcherTopN      int           `yaml:"matcher_top_n"`
	ImmediateRetries int           `yaml:"immediate_retries"`
	InBandDelay      time.Duration `yaml:"in_band_delay"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	ReservationTTL   time.Duration `yaml:"reservation_ttl"`

	GeofenceRadiusMiles float64       `yaml:"geofence_radius_miles"`
	ETARecheck          time.Duration `yaml:"eta_recheck"`
	RatingWindow        time.Duration `yaml:"rating_window"`
	ChannelAckTimeout   time.Duration `yaml:"channel_ack_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "fixers_geo",
		PoolRadiusMeters:    5000,
		AvailabilityTopic:   "fixer-availability",
		EventsTopic:         "job-events",
		RabbitExch:          "job.events",
		MigrationsDir:       "migrations",
		DefaultSpeedMps:     10,
		MatcherTopN:         8,
		ImmediateRetries:    2,
		InBandDelay:         500 * time.Millisecond,
		RetryInterval:       4 * time.Second,
		ReservationTTL:      30 * time.Second,
		GeofenceRadiusMiles: 0.25,
		ETARecheck:          30 * time.Second,
		RatingWindow:        30 * time.Minute,
		ChannelAckTimeout:   5 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// LoadServerConfig reads the file named by CONFIG_FILE, if any, and then
// the environment.
func LoadServerConfig() (ServerConfig, error) {
	return LoadServerConfigFrom(os.Getenv("CONFIG_FILE"))
}

func LoadServerConfigFrom(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path != "" {
		if err := overlayFile(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.AuthSecret, "AUTH_SECRET")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setFloatFromEnv(&cfg.PoolRadiusMeters, "POOL_RADIUS_METERS", &errs)
	setStringFromEnv(&cfg.AvailabilityTopic, "AVAILABILITY_TOPIC")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.EventBroker, "EVENT_BROKER")
	cfg.EventBroker = strings.ToLower(cfg.EventBroker)
	setStringFromEnv(&cfg.EventsTopic, "EVENTS_TOPIC")
	setStringFromEnv(&cfg.RabbitURL, "RABBITMQ_URL")
	setStringFromEnv(&cfg.RabbitExch, "RABBITMQ_EXCHANGE")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMKey, "FCM_KEY")
	setStringFromEnv(&cfg.PushWebhookURL, "PUSH_WEBHOOK_URL")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setIntFromEnv(&cfg.ImmediateRetries, "MATCHER_IMMEDIATE_RETRIES", &errs)
	setDurationFromEnv(&cfg.InBandDelay, "MATCHER_IN_BAND_DELAY", &errs)
	setDurationFromEnv(&cfg.RetryInterval, "MATCHER_RETRY_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReservationTTL, "MATCHER_RESERVATION_TTL", &errs)

	setFloatFromEnv(&cfg.GeofenceRadiusMiles, "GEOFENCE_RADIUS_MILES", &errs)
	setDurationFromEnv(&cfg.ETARecheck, "ETA_RECHECK", &errs)
	setDurationFromEnv(&cfg.RatingWindow, "RATING_WINDOW", &errs)
	setDurationFromEnv(&cfg.ChannelAckTimeout, "CHANNEL_ACK_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.ImmediateRetries < 0 {
		errs = append(errs, fmt.Errorf("MATCHER_IMMEDIATE_RETRIES must be >= 0"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RETRY_INTERVAL must be > 0"))
	}
	if c.GeofenceRadiusMiles <= 0 {
		errs = append(errs, fmt.Errorf("GEOFENCE_RADIUS_MILES must be > 0"))
	}
	switch c.EventBroker {
	case "":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("EVENT_BROKER=kafka needs KAFKA_BROKERS"))
		}
	case "rabbitmq":
		if c.RabbitURL == "" {
			errs = append(errs, fmt.Errorf("EVENT_BROKER=rabbitmq needs RABBITMQ_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENT_BROKER %q", c.EventBroker))
	}
	return errs
}

// ConsumerConfig configures the availability ingest worker.
type ConsumerConfig struct {
	KafkaBrokers  []string      `yaml:"kafka_brokers"`
	Topic         string        `yaml:"availability_topic"`
	Group         string        `yaml:"group"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisGeoKey   string        `yaml:"redis_geo_key"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "fixer-availability",
		Group:        "fixer-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "fixers_geo",
		MetricsAddr:  ":2112",
		MaxBackoff:   30 * time.Second,
		LogLevel:     "info",
		LogFormat:    "json",
	}
	var errs []error
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := overlayFile(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "AVAILABILITY_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setDurationFromEnv(&cfg.MaxBackoff, "CONSUMER_MAX_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

// overlayFile decodes a YAML file over the defaults already in out.
func overlayFile(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
