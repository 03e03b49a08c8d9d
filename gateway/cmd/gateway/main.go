// Package main is the entry point for the XBRL API Gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/api"
	"xbrl_api/gateway/internal/auth"
	"xbrl_api/gateway/internal/blob"
	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/keys"
	"xbrl_api/gateway/internal/logger"
	"xbrl_api/gateway/internal/metrics"
	"xbrl_api/gateway/internal/monitor"
	"xbrl_api/gateway/internal/plan"
	"xbrl_api/gateway/internal/query"
	"xbrl_api/gateway/internal/ratelimit"
	"xbrl_api/gateway/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
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

	log := logger.Log
	log.Info("Starting XBRL API Gateway",
		zap.String("host", cfg.Server.Host),
		zap.Int("http_port", cfg.Server.HTTPPort))

	ctx := context.Background()

	// Connect to the database
	database, err := db.Open(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	log.Info("Connected to database", zap.String("dialect", string(database.Dialect)))

	// Connect to Redis (optional; auth cache and rate limiting degrade
	// to in-process equivalents without it)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = initRedis(&cfg.Redis)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("Failed to connect to Redis, continuing without it", zap.Error(err))
			redisClient = nil
		} else {
			log.Info("Connected to Redis")
			defer redisClient.Close()
		}
	}

	// Initialize components
	keyStore := keys.NewStore(database)
	if err := keyStore.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize key schema", zap.Error(err))
	}

	keyService, err := keys.NewService(keyStore, &cfg.Keys)
	if err != nil {
		log.Fatal("Failed to create key service", zap.Error(err))
	}
	log.Info("Key service initialized")

	planService := plan.NewService(database)
	authService := auth.NewService(keyStore, planService, redisClient, cfg.Keys.DeriveSecret, &cfg.Auth)
	log.Info("Auth service initialized")

	var limiter ratelimit.Limiter
	if cfg.Rate.Backend == "redis" && redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient)
		log.Info("Rate limiter initialized", zap.String("backend", "redis"))
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		log.Info("Rate limiter initialized", zap.String("backend", "memory"))
	}

	queryService := query.NewService(database, &cfg.Query)
	blobStore := blob.NewStore(&cfg.Storage, database)

	usageRecorder, err := usage.NewRecorder(database, &cfg.Usage)
	if err != nil {
		log.Fatal("Failed to create usage recorder", zap.Error(err))
	}
	if err := usageRecorder.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize usage schema", zap.Error(err))
	}
	usageRecorder.Touch = keyStore.TouchLastUsed
	log.Info("Usage recorder initialized")

	mon := monitor.New(64, 512)
	m := metrics.NewMetrics()
	authService.CacheHitHook = m.AuthCacheHits.Inc

	// Initialize API server
	server := api.NewServer(cfg, keyService, authService, limiter,
		queryService, blobStore, usageRecorder, mon, m, log)
	log.Info("API server initialized")

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	usageRecorder.Stop()
	mon.Close()

	select {
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timed out")
	default:
		log.Info("Shutdown complete")
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
