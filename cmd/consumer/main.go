package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/helper-matching/internal/config"
	"github.com/example/helper-matching/internal/directory"
	"github.com/example/helper-matching/internal/ingest"
	"github.com/example/helper-matching/internal/logging"
	"github.com/example/helper-matching/internal/models"
)

var (
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis updates that failed after every retry",
	})
)

func init() {
	prometheus.MustRegister(redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "helper-feed-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	mirror := directory.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := mirror.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger)
	defer func() {
		_ = consumer.Close()
		_ = mirror.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	dst := &retrying{dst: mirror, attempts: cfg.RetryAttempts, delay: cfg.RetryDelay}
	if err := consumer.Run(ctx, dst); err != nil {
		logger.Error("consumer stopped", "error", err)
	}
	logger.Info("shutting down consumer")
}

// retrying wraps an applier with retries so a Redis blip does not drop feed events.
type retrying struct {
	dst      ingest.Applier
	attempts int
	delay    time.Duration
}

func (r *retrying) ApplyUpdate(ctx context.Context, u models.FeedUpdate) error {
	if err := applyWithRetry(ctx, r.dst, u, r.attempts, r.delay); err != nil {
		redisErrors.Inc()
		return err
	}
	redisUpdates.Inc()
	return nil
}

// applyWithRetry makes up to attempts tries, doubling the delay between them.
func applyWithRetry(ctx context.Context, dst ingest.Applier, u models.FeedUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = dst.ApplyUpdate(ctx, u); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
