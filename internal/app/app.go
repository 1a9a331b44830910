package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fleetcell/cell/internal/config"
	"github.com/fleetcell/cell/internal/controller"
	"github.com/fleetcell/cell/internal/httpserver"
	"github.com/fleetcell/cell/internal/httpserver/deps"
	"github.com/fleetcell/cell/internal/instancemanager"
	"github.com/fleetcell/cell/internal/logger"
	"github.com/fleetcell/cell/internal/redis"
	"github.com/fleetcell/cell/internal/registry"
	"github.com/fleetcell/cell/internal/router"
	"github.com/fleetcell/cell/internal/scaler"
	"github.com/fleetcell/cell/internal/scheduler"
	"github.com/fleetcell/cell/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	cell        *controller.Cell
	heartbeat   *scheduler.Heartbeat
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Initialize Redis early - fail fast if unavailable
	loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
	redisClient, err := redis.New(redis.ConnectOptions{
		Addr:           cfg.RedisAddr,
		User:           cfg.RedisUser,
		Password:       cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		DialTimeout:    cfg.RedisDT,
		ReadTimeout:    cfg.RedisRT,
		WriteTimeout:   cfg.RedisWT,
		PoolSize:       cfg.RedisPoolSize,
		ConnectTimeout: cfg.RedisConnectTimeout,
		RetryInterval:  cfg.RedisRetryInterval,
		MaxWait:        cfg.RedisMaxWait,
		PingTimeout:    cfg.RedisPingTimeout,
		WarnThreshold:  cfg.RedisWarnThreshold,
	}, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("Redis initialized successfully")

	// Resolve the informational sizing class against the optional
	// catalogue so a typo'd class name is visible at startup.
	catalogue, err := config.LoadInstanceClasses(cfg.InstanceClassFile)
	if err != nil {
		loggerClient.Errorf("Failed to load instance class catalogue: %v", err)
		os.Exit(1)
	}
	if class, ok := catalogue.Lookup(cfg.Instance); ok {
		loggerClient.Info("instance class resolved",
			logger.String("class", class.Name),
			logger.String("cpu", class.CPU),
			logger.String("memory", class.Memory))
	} else if cfg.InstanceClassFile != "" {
		loggerClient.Warnf("instance class %q not present in catalogue %s", cfg.Instance, cfg.InstanceClassFile)
	}

	// The persisted registry is the sole source of truth for the
	// fleet; every other component takes a handle to it.
	store := registry.NewStore(redisClient)

	runtime := instancemanager.NewHTTPRuntime(cfg.RuntimeControlPlaneURL, cfg.RuntimeCallTimeout)
	manager := instancemanager.New(runtime, store, loggerClient,
		cfg.Instance, cfg.MonitoringEndpoint, cfg.MonitorzURL,
		cfg.HealthCheckRetries, cfg.RuntimeCallsPerSecond, cfg.RuntimeCallBurst)

	cell := controller.New(cfg, loggerClient, store, router.New(store), scaler.New(store, cfg, loggerClient), manager)

	heartbeat := scheduler.NewHeartbeat(cell, loggerClient, cfg.HeartbeatInterval)

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:             loggerClient,
		StartTime:          time.Now(),
		Version:            version.Version,
		Commit:             version.Commit,
		BuildDate:          version.BuildDate,
		GoVersion:          version.GoVersion,
		TimeNow:            time.Now,
		AllowedHosts:       cfg.AllowedHosts,
		AllowedCIDRS:       cfg.AllowedCIDRS,
		TrustProxy:         cfg.TrustProxy,
		RedisClient:        redisClient,
		Cell:               cell,
		MonitoringEndpoint: cfg.MonitoringEndpoint,
	}

	server := httpserver.New(cfg, loggerClient, d)

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		server:      server,
		redisClient: redisClient,
		cell:        cell,
		heartbeat:   heartbeat,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting fleetcell v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Infof("fleetcell %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialization runs with concurrency blocked: no request is
	// served and no heartbeat fires until the registry is migrated and
	// the fleet warmed to its floor.
	if err := a.cell.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize cell: %w", err)
	}

	if err := a.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}
	a.logger.Info("heartbeat started",
		logger.Duration("interval", a.cfg.HeartbeatInterval))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	// Stop heartbeat
	a.heartbeat.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	// Let detached follow-ups (counter decrements, optimistic
	// scale-ups) settle before tearing the registry client down.
	a.cell.Drain()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.logger.Info("✅ fleetcell stopped cleanly")
	return nil
}
