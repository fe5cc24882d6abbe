package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"fleet-mission-service/internal/auth"
	"fleet-mission-service/internal/cache"
	"fleet-mission-service/internal/config"
	"fleet-mission-service/internal/dashboard"
	"fleet-mission-service/internal/db"
	"fleet-mission-service/internal/geo"
	httphandler "fleet-mission-service/internal/http"
	"fleet-mission-service/internal/http/middleware"
	"fleet-mission-service/internal/logger"
	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/mq"
	"fleet-mission-service/internal/realtime"
	"fleet-mission-service/internal/realtime/ws"
	"fleet-mission-service/internal/repository"
	"fleet-mission-service/internal/service"
	"fleet-mission-service/internal/tracking"
)

// Dashboards load the last few hours of samples on (re)connect.
const dashboardPositionSpan = 6 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	positionCache, rdb, err := cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PositionTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if rdb == nil {
		log.Info().Msg("REDIS_ADDR not set, last positions cached in memory")
	}

	missionRepo := repository.NewMissionRepository(database)
	positionRepo := repository.NewPositionRepository(database)
	breakdownRepo := repository.NewBreakdownRepository(database)

	relay := geo.NewRelay(log)
	hub := realtime.NewHub(cfg.Realtime.Buffer, uuid.NewString(), log)

	recorder := service.NewPositionRecorder(positionRepo, positionCache, hub, log)
	tracker := tracking.NewTracker(relay, recorder, geo.WatchOptions{
		MaxAge:  cfg.Tracking.MaxAge,
		Timeout: cfg.Tracking.Timeout,
	}, log)

	var ambient service.AmbientTracker
	if cfg.Tracking.Ambient {
		ambient = tracker
	}

	missionService := service.NewMissionService(missionRepo, tracker, hub, log)
	breakdownService := service.NewBreakdownService(missionRepo, breakdownRepo, relay, cfg.Tracking.BreakdownTimeout, hub, log)
	positionService := service.NewPositionService(missionRepo, positionRepo, positionCache, relay, ambient, cfg.Realtime.TrailLimit, log)

	if n, err := missionService.ReconcileTracking(ctx); err != nil {
		log.Error().Err(err).Msg("initial tracking reconciliation failed")
	} else if n > 0 {
		log.Info().Int("sessions", n).Msg("tracking sessions restored")
	}

	heal := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if cfg.Tracking.ReconcileInterval > 0 {
		heal.Schedule(cron.Every(cfg.Tracking.ReconcileInterval), cron.FuncJob(func() {
			n, err := missionService.ReconcileTracking(ctx)
			if err != nil {
				log.Error().Err(err).Msg("tracking reconciliation failed")
				return
			}
			if n > 0 {
				log.Warn().Int("sessions", n).Msg("restarted missing tracking sessions")
			}
		}))
	}
	heal.Start()

	source := dashboard.NewServiceSource(missionService, breakdownService, positionService, dashboardPositionSpan, cfg.Realtime.TrailLimit)
	poller := dashboard.NewPoller(cfg.Realtime.PollInterval, log)
	poller.Start()

	realtimeServer := ws.NewServer(func(principal model.Principal, notify func(dashboard.Update)) (*dashboard.Session, error) {
		return dashboard.NewSession(principal, hub, source, missionService, cfg.Realtime.TrailLimit, notify, log)
	}, poller, log)

	var bridge *mq.Bridge
	if cfg.AMQP.URL != "" {
		bridge, err = mq.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, hub, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		if err := bridge.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start change bridge")
		}
		log.Info().Str("exchange", cfg.AMQP.Exchange).Str("origin", hub.Origin()).Msg("change bridge started")
	}

	tokenParser := auth.NewParser(cfg.Auth.AccessSecret)

	handler := httphandler.NewHandler(missionService, breakdownService, positionService, realtimeServer, log)
	router := httphandler.NewRouter(handler, middleware.Auth(tokenParser), cfg.Environment)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting mission service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down mission service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	realtimeServer.Close()
	poller.Stop()
	<-heal.Stop().Done()
	if bridge != nil {
		bridge.Close()
	}
	tracker.StopAll()
	hub.Close()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}
	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info().Msg("mission service stopped")
}
