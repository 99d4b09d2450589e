package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/helper-matching/internal/assign"
	"github.com/example/helper-matching/internal/booking"
	"github.com/example/helper-matching/internal/config"
	"github.com/example/helper-matching/internal/directory"
	"github.com/example/helper-matching/internal/dispatch"
	httpapi "github.com/example/helper-matching/internal/http"
	"github.com/example/helper-matching/internal/ingest"
	"github.com/example/helper-matching/internal/logging"
	"github.com/example/helper-matching/internal/matcher"
	"github.com/example/helper-matching/internal/provision"
	"github.com/example/helper-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "helper-matching")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := directory.New()
	deps := httpapi.Deps{Directory: dir, TrackInterval: cfg.LocationTrackTick, Logger: logger}

	if cfg.RedisAddr != "" {
		mirror := directory.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer mirror.Close()
		if err := mirror.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, running without mirror", "addr", cfg.RedisAddr, "error", err)
		} else {
			deps.Mirror = mirror
			if helpers, err := mirror.Load(ctx); err != nil {
				logger.Warn("helper hydration failed", "error", err)
			} else {
				logger.Info("helpers hydrated from redis", "count", dir.Load(helpers))
			}
		}
	}

	var store storage.BookingStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres unavailable, keeping bookings in memory", "error", err)
		} else {
			defer ps.Close()
			if cfg.RunMigrations {
				if err := ps.Migrate(filepath.Join("migrations", "001_create_bookings.sql")); err != nil {
					logger.Error("migration failed", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_bookings.sql")
				}
			}
			store = ps
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		deps.Feed = producer

		consumer := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, dir); err != nil {
				logger.Error("feed consumer stopped", "error", err)
			}
		}()
	}

	m := matcher.New(matcher.Config{
		RadiusKm:      cfg.MatchRadiusKm,
		SpeedKmh:      cfg.MatchSpeedKmh,
		ETACapMinutes: cfg.MatchETACapMin,
		TopN:          cfg.MatchTopN,
	}, logger)

	var prov provision.Provisioner
	if cfg.ProvisioningURL != "" {
		prov = provision.NewHTTPClient(cfg.ProvisioningURL, cfg.ProvisioningTimeout)
	}
	orch := assign.New(m, prov, logger)
	deps.Orchestrator = orch

	reg := dispatch.NewWSRegistry(logger)
	deps.WSReg = reg

	bdeps := booking.Deps{Matcher: m, Store: store, Notifier: reg, Helpers: dir, Logger: logger}
	if prov != nil {
		bdeps.Orchestrator = orch
	}
	bookings := booking.NewManager(booking.Config{
		TopN:             cfg.MatchTopN,
		HistoryCap:       cfg.HistoryCap,
		RejectionTimeout: cfg.RejectionTimeout,
		MaxReassignments: cfg.MaxReassignments,
	}, bdeps)
	defer bookings.Close()
	deps.Bookings = bookings

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("helper-matching listening", "addr", cfg.HTTPAddr, "provisioning", cfg.ProvisioningURL != "", "kafka", len(cfg.KafkaBrokers) > 0)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdown(srv, cfg.ShutdownTimeout, logger)
}

func shutdown(srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("server stopped")
}
