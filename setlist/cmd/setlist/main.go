// Package main is the entry point for the setlist service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go_setlist/setlist/internal/api"
	"go_setlist/setlist/internal/clock"
	"go_setlist/setlist/internal/config"
	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/event"
	"go_setlist/setlist/internal/fanout"
	grpcserver "go_setlist/setlist/internal/grpc"
	"go_setlist/setlist/internal/logger"
	"go_setlist/setlist/internal/metrics"
	"go_setlist/setlist/internal/orchestrator"
	"go_setlist/setlist/internal/plan"
	"go_setlist/setlist/internal/quota"
	"go_setlist/setlist/internal/ratelimit"
	"go_setlist/setlist/internal/sweeper"
	"go_setlist/setlist/internal/usage"
	"go_setlist/setlist/pkg/types"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("SETLIST_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(&logger.Config{
		Level:       cfg.Logger.Level,
		Development: cfg.Logger.Development,
		Encoding:    cfg.Logger.Encoding,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting setlist service",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("live_port", cfg.Server.LivePort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.String("database", cfg.Database.Driver),
		zap.String("usage_backend", cfg.Usage.Backend))

	ctx := context.Background()

	db, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}
	logger.Info("Database ready")

	// Redis is only required by the redis counter backend
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = initRedis(&cfg.Redis)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			if cfg.Usage.Backend == "redis" {
				logger.Fatal("Failed to connect to Redis", zap.Error(err))
			}
			logger.Warn("Failed to connect to Redis, continuing without it", zap.Error(err))
			redisClient.Close()
			redisClient = nil
		} else {
			logger.Info("Connected to Redis")
			defer redisClient.Close()
		}
	}

	m := metrics.NewMetrics()

	counts, err := usage.NewStore(&cfg.Usage, db, redisClient)
	if err != nil {
		logger.Fatal("Failed to create usage store", zap.Error(err))
	}
	defer counts.Close()

	policy, err := plan.MustDefault().With(cfg.Quota.PolicyLimits()...)
	if err != nil {
		logger.Fatal("Invalid quota limits", zap.Error(err))
	}
	if cfg.Quota.LoadFromDB {
		policy, err = plan.NewService(db).Load(ctx, policy)
		if err != nil {
			logger.Fatal("Failed to load system limits", zap.Error(err))
		}
	}
	for _, l := range policy.Limits() {
		logger.Info("Quota configured",
			zap.String("kind", string(l.Kind)),
			zap.Int64("period_limit", l.PeriodLimit),
			zap.String("granularity", string(l.Granularity)))
	}

	hub := fanout.NewHub(
		cfg.Fanout.SubscriberBufferSize,
		cfg.Fanout.SlowConsumerThreshold,
		cfg.Fanout.ZombieTimeout,
		m,
	)

	clk := clock.Real{}
	controller := quota.NewController(policy, counts, clk, cfg.Quota.StoreTimeout, logger.Named("quota"), m)
	registry := event.NewRegistry(event.NewSQLStore(db), clk, event.Options{
		Retention:     cfg.Registry.Retention,
		IDRetries:     cfg.Registry.IDRetries,
		StoreTimeout:  cfg.Registry.StoreTimeout,
		SweepOnCreate: cfg.Registry.SweepOnCreate,
		Notifier:      hub,
		Logger:        logger.Named("registry"),
		Metrics:       m,
	})
	orch := orchestrator.New(controller, registry, cfg.Server.PublicURL, logger.Named("orchestrator"))

	rateLimiter := ratelimit.NewLimiter(&cfg.Rate)
	defer rateLimiter.Close()

	server := api.NewServer(&cfg.Server, orch, hub, rateLimiter, m, logger.Named("api"))
	liveServer := api.NewLiveServer(&cfg.Server, orch, hub, rateLimiter, m, logger.Named("live"))
	grpcServer := grpcserver.NewServer(
		&grpcserver.Config{Port: cfg.Server.GRPCPort},
		map[string]grpcserver.Pinger{"events": registry, "usage": counts},
		rateLimiter,
		m,
		logger.Named("grpc"),
	)

	var cleanup *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		cleanup, err = sweeper.New(&cfg.Sweeper, registry, logger.Named("sweeper"))
		if err != nil {
			logger.Fatal("Failed to create sweeper", zap.Error(err))
		}
		cleanup.Start()
		logger.Info("Sweeper started", zap.Duration("interval", cfg.Sweeper.Interval))
	}

	housekeeping, stopHousekeeping := context.WithCancel(ctx)
	defer stopHousekeeping()
	go watchClosedFeeds(housekeeping, hub, logger.Named("live"))
	go reapZombies(housekeeping, hub, cfg.Fanout.ZombieTimeout, logger.Named("live"))

	// Start servers
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := liveServer.Start(); err != nil {
			logger.Fatal("Live server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cleanup != nil {
		cleanup.Stop()
	}
	stopHousekeeping()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := liveServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Live server shutdown error", zap.Error(err))
	}
	grpcServer.Stop()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timed out")
	default:
		logger.Info("Shutdown complete")
	}
}

// initRedis initializes the Redis client.
func initRedis(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// watchClosedFeeds logs every live feed closed by an expiring event.
func watchClosedFeeds(ctx context.Context, hub *fanout.Hub, log *zap.Logger) {
	ch := hub.On(string(types.UpdateClosed) + ":*")
	defer hub.Off(string(types.UpdateClosed)+":*", ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(e.Args) > 0 {
				if u, ok := e.Args[0].(*types.LiveUpdate); ok {
					log.Info("Live feed closed", zap.String("event_id", u.EventID))
				}
			}
		}
	}
}

// reapZombies periodically drops subscribers that stopped responding.
func reapZombies(ctx context.Context, hub *fanout.Hub, timeout time.Duration, log *zap.Logger) {
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := hub.CleanupZombies(); n > 0 {
				log.Info("Removed zombie subscribers", zap.Int("count", n))
			}
		}
	}
}
