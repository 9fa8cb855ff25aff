package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr           string
	RedisPassword       string
	RedisGeoKey         string
	RedisSearchRadiusKm float64

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN         string
	RunMigrations bool
	MigrationFile string

	JWTSecret string

	DispatchCandidates   int
	DispatchClaimRounds  int
	PendingRequestTTL    time.Duration
	PendingSweepInterval time.Duration

	PricingMode             string
	DefaultFare             float64
	DefaultEstimatedMinutes float64
	DefaultPaymentMethod    string
	BaseFare                float64
	FarePerKm               float64
	AverageSpeedKmh         float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                ":8080",
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            10 * time.Second,
		IdleTimeout:             120 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		RedisGeoKey:             "drivers_geo",
		KafkaTopic:              "driver-locations",
		KafkaEventsTopic:        "dispatch-events",
		MigrationFile:           "migrations/001_init.sql",
		DispatchCandidates:      5,
		DispatchClaimRounds:     3,
		PendingRequestTTL:       2 * time.Minute,
		PendingSweepInterval:    15 * time.Second,
		PricingMode:             "fixed",
		DefaultFare:             100,
		DefaultEstimatedMinutes: 15,
		DefaultPaymentMethod:    "cash",
		AverageSpeedKmh:         28.8,
		LogLevel:                "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setFloatFromEnv(&cfg.RedisSearchRadiusKm, "REDIS_SEARCH_RADIUS_KM", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationFile, "MIGRATION_FILE")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setIntFromEnv(&cfg.DispatchCandidates, "DISPATCH_CANDIDATES", &errs)
	setIntFromEnv(&cfg.DispatchClaimRounds, "DISPATCH_CLAIM_ROUNDS", &errs)
	setDurationFromEnv(&cfg.PendingRequestTTL, "PENDING_REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.PendingSweepInterval, "PENDING_SWEEP_INTERVAL", &errs)

	if v := os.Getenv("PRICING_MODE"); v != "" {
		cfg.PricingMode = strings.ToLower(strings.TrimSpace(v))
	}
	setFloatFromEnv(&cfg.DefaultFare, "DEFAULT_FARE", &errs)
	setFloatFromEnv(&cfg.DefaultEstimatedMinutes, "DEFAULT_ESTIMATED_MINUTES", &errs)
	setStringFromEnv(&cfg.DefaultPaymentMethod, "DEFAULT_PAYMENT_METHOD")
	setFloatFromEnv(&cfg.BaseFare, "BASE_FARE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.AverageSpeedKmh, "AVERAGE_SPEED_KMH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.DispatchCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATES must be > 0"))
	}
	if cfg.DispatchClaimRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CLAIM_ROUNDS must be > 0"))
	}
	if cfg.PricingMode != "fixed" && cfg.PricingMode != "distance" {
		errs = append(errs, fmt.Errorf("PRICING_MODE must be fixed or distance"))
	}
	switch cfg.DefaultPaymentMethod {
	case "cash", "credit_card":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_PAYMENT_METHOD must be cash or credit_card"))
	}
	if cfg.DefaultFare < 0 || cfg.FarePerKm < 0 || cfg.BaseFare < 0 {
		errs = append(errs, fmt.Errorf("fares must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the Kafka driver location consumer.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	PGDSN string

	ApplyAttempts int
	ApplyBackoff  time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		ApplyAttempts: 3,
		ApplyBackoff:  200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.ApplyAttempts, "APPLY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ApplyBackoff, "APPLY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.ApplyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("APPLY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
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
