package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds every tunable of the booking API process. Values come
// from the environment; the defaults are enough to run locally with no
// Redis, Kafka, Postgres or provisioning service at all.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN         string
	RunMigrations bool

	ProvisioningURL     string
	ProvisioningTimeout time.Duration

	MatchRadiusKm     float64
	MatchSpeedKmh     float64
	MatchETACapMin    int
	MatchTopN         int
	HistoryCap        int
	RejectionTimeout  time.Duration
	MaxReassignments  int
	LocationTrackTick time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "helpers_geo",
		KafkaTopic:          "helper-updates",
		KafkaGroup:          "helper-matching-server",
		ProvisioningTimeout: 5 * time.Second,
		MatchRadiusKm:       15,
		MatchSpeedKmh:       60,
		MatchETACapMin:      15,
		MatchTopN:           3,
		HistoryCap:          5,
		RejectionTimeout:    30 * time.Second,
		MaxReassignments:    3,
		LocationTrackTick:   5 * time.Second,
		LogLevel:            "info",
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.ProvisioningURL = strings.TrimSpace(os.Getenv("PROVISIONING_URL"))
	setDurationFromEnv(&cfg.ProvisioningTimeout, "PROVISIONING_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.MatchSpeedKmh, "MATCH_SPEED_KMH", &errs)
	setIntFromEnv(&cfg.MatchETACapMin, "MATCH_ETA_CAP_MIN", &errs)
	setIntFromEnv(&cfg.MatchTopN, "MATCH_TOP_N", &errs)
	setIntFromEnv(&cfg.HistoryCap, "BOOKING_HISTORY_CAP", &errs)
	setDurationFromEnv(&cfg.RejectionTimeout, "BOOKING_REJECTION_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MaxReassignments, "BOOKING_MAX_REASSIGNMENTS", &errs)
	setDurationFromEnv(&cfg.LocationTrackTick, "LOCATION_TRACK_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MatchSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_SPEED_KMH must be > 0"))
	}
	if cfg.MatchETACapMin <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_ETA_CAP_MIN must be > 0"))
	}
	if cfg.MatchTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_TOP_N must be > 0"))
	}
	if cfg.HistoryCap <= 0 {
		errs = append(errs, fmt.Errorf("BOOKING_HISTORY_CAP must be > 0"))
	}
	if cfg.MaxReassignments < 0 {
		errs = append(errs, fmt.Errorf("BOOKING_MAX_REASSIGNMENTS must be >= 0"))
	}
	if cfg.LocationTrackTick <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_TRACK_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the feed consumer that mirrors helper updates
// from Kafka into Redis.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "helper-updates",
		KafkaGroup:    "helper-matching-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "helpers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := splitAndTrim(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_CONSUMER_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
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
