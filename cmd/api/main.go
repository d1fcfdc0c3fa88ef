package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/bootstrap"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/broadcast"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/idempotency"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/intake"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/metrics"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation/redisstore"
	transport "github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http/handler"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/config"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/db"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/utils"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	logger, err := config.NewLogger(cfg.LoggerConfig("velocity-api"))
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, utils.TracerConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("Failed to init tracer", zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, db.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Fatal("Error connecting to redis", zap.Error(err))
	}

	var pool *pgxpool.Pool
	if cfg.Queue.Driver == config.QueueDriverPostgres {
		pool, err = db.NewPostgresDB(ctx, cfg.Postgres.URL, db.DefaultPoolOptions(), logger)
		if err != nil {
			logger.Fatal("Error creating postgres pool", zap.Error(err))
		}
	}

	fulfillment, err := bootstrap.NewQueue(cfg, bootstrap.RolePublisher, pool, logger)
	if err != nil {
		logger.Fatal("Error creating fulfillment queue", zap.Error(err))
	}

	if err := fulfillment.Ensure(ctx); err != nil {
		logger.Fatal("Error ensuring fulfillment queue", zap.Error(err))
	}

	m := metrics.New()
	broadcaster := broadcast.NewRedisBroadcaster(rdb, cfg.Broadcast.Channel, logger)

	service := intake.NewService(
		redisstore.New(rdb, cfg.Reservation.HoldTTL, logger),
		idempotency.NewRedisCache(rdb),
		fulfillment,
		broadcaster,
		intake.Options{
			IdempotencyTTL: cfg.Idempotency.TTL,
			Timeout:        cfg.HTTP.Timeout,
			Metrics:        m,
		},
		logger,
	)

	appCfg := transport.AppConfig{
		ServiceName:     cfg.Tracing.ServiceName,
		LimiterMax:      cfg.Limiter.Max,
		LimiterDuration: cfg.Limiter.Expiration,
		Metrics:         m,
	}

	app := transport.NewApp(appCfg)
	transport.RegisterRoutes(app, &transport.Handlers{
		Inventory: handler.NewInventoryHandler(service, cfg.HTTP.Timeout, logger),
		Stream:    handler.NewStreamHandler(broadcaster, logger),
	}, appCfg)

	go func() {
		logger.Info("HTTP service listening", zap.String("port", cfg.HTTP.Port), zap.String("queue_driver", cfg.Queue.Driver))
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			logger.Fatal("Error listening on HTTP port", zap.String("port", cfg.HTTP.Port), zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP app", zap.Error(err))
	} else {
		logger.Info("HTTP app stopped gracefully")
	}

	if err := fulfillment.Close(); err != nil {
		logger.Error("Error closing fulfillment queue", zap.Error(err))
	}

	if pool != nil {
		pool.Close()
	}

	if err := rdb.Close(); err != nil {
		logger.Error("Error closing redis client", zap.Error(err))
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down telemetry", zap.Error(err))
	} else {
		logger.Info("Telemetry stopped correctly")
	}
}
