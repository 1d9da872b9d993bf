package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	router "github.com/dkeye/StreamRoom/internal/adapters/http"
	"github.com/dkeye/StreamRoom/internal/app"
	"github.com/dkeye/StreamRoom/internal/config"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/dkeye/StreamRoom/internal/metrics"
	"github.com/dkeye/StreamRoom/internal/resilience"
	"github.com/dkeye/StreamRoom/internal/storage"
)

func serve(ctx context.Context, cfg *config.Config) (err error) {
	collector := metrics.New()
	newGuard := func(name string) *resilience.Guard {
		b := resilience.NewBreaker(name, cfg.Breaker, resilience.WithStateHook(func(name string, _, to resilience.State) {
			collector.BreakerState(name, int(to))
		}))
		return resilience.NewGuard(name, b, resilience.NewRetrier(cfg.Retry))
	}
	probes := map[string]func(context.Context) error{}
	var closers []func() error

	db, err := storage.OpenDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := storage.RunMigration(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, sqlDB.Close)
	}
	repo := storage.NewRepository(db)
	probes["database"] = repo.Ping
	dbGuard := newGuard("database")
	rooms := resilience.NewGuardedRoomRepository(repo, dbGuard)
	recordings := resilience.NewGuardedRecordingRepository(repo, dbGuard)

	fileStore, err := storage.NewOSFileStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	probes["storage"] = fileStore.Ping
	frames := resilience.NewGuardedFrameStore(fileStore, newGuard("storage"))

	dedupOpts := []app.DedupOption{}
	if cfg.Dedup.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		closers = append(closers, rdb.Close)
		store := storage.NewRedisDedupStore(rdb)
		probes["redis"] = store.Ping
		dedupOpts = append(dedupOpts, app.WithDedupStore(resilience.NewGuardedDedupStore(store, newGuard("redis"))))
	}
	defer func() {
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
	}()

	monitor := app.NewResourceMonitor(cfg.MemoryThreshold(),
		app.WithCPUThreshold(cfg.Monitor.CPULoadThreshold),
		app.WithMonitorMetrics(collector),
	)
	manager := app.NewRoomManager(app.RoomManagerConfig{
		MaxConnections: cfg.Limits.MaxConnections,
		MaxRoomSize:    cfg.Limits.MaxRoomSize,
		ChannelBuffer:  cfg.Room.Buffer,
		Defaults: domain.RoomDefaults{
			MaxParticipants:  cfg.Limits.DefaultRoomSize,
			RecordingEnabled: cfg.Rooms.RecordingEnabled,
		},
	}, app.WithGate(monitor), app.WithRoomRepository(rooms), app.WithMetrics(collector))
	if n, err := manager.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("could not restore rooms, starting empty")
	} else {
		log.Info().Int("rooms", n).Msg("restored rooms")
	}

	policy, err := app.ParseRoomPolicy(cfg.Rooms.Policy)
	if err != nil {
		return err
	}
	recorder := app.NewRecorder(
		app.WithRecordingRepository(recordings),
		app.WithMaxConsecutiveFailures(cfg.Recording.MaxConsecutiveFailures),
	)
	dedup := app.NewDedup(cfg.Dedup.TTL, dedupOpts...)

	orch := &app.Orchestrator{
		Rooms:    manager,
		Sessions: app.NewRegistry(),
		Policy:   policy,
		Dedup:    dedup,
		Recorder: recorder,
		Frames:   frames,
		Limiter:  app.NewControlRateLimiter(cfg.Control.RateLimit, cfg.Control.RateWindow, nil),
		Metrics:  collector,
	}

	quartz, err := app.NewScheduler(cfg.Monitor.Interval, monitor, dedup, recorder)
	if err != nil {
		return err
	}
	quartz.Start()

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:       orch,
		Recordings: recordings,
		Health:     resilience.NewHealthCheck(nil),
		Probes:     probes,
		Monitor:    monitor,
		Metrics:    collector,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("policy", policy.String()).Msg("StreamRoom server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("Shutting down")
	n := orch.Shutdown()
	log.Info().Int("sessions", n).Msg("closed live sessions")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("Server forced to shutdown")
		err = multierr.Append(err, serr)
	}
	<-quartz.Stop().Done()
	recorder.Sync(shutdownCtx)
	log.Info().Msg("Server exited gracefully")
	return err
}
