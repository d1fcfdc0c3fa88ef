package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/bootstrap"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/metrics"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/repository"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/worker"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/config"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/db"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	logger, err := config.NewLogger(cfg.LoggerConfig("velocity-worker"))
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, utils.TracerConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName + "-worker",
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("Failed to init tracer", zap.Error(err))
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres.URL, db.DefaultPoolOptions(), logger)
	if err != nil {
		logger.Fatal("Error creating postgres pool", zap.Error(err))
	}

	fulfillment, err := bootstrap.NewQueue(cfg, bootstrap.RoleConsumer, pool, logger)
	if err != nil {
		logger.Fatal("Error creating fulfillment queue", zap.Error(err))
	}

	m := metrics.New()

	w := worker.NewConfirmationWorker(
		fulfillment,
		repository.NewOrderRepository(pool, logger),
		worker.Options{
			WaitTime:     cfg.Queue.WaitTime,
			MaxReceives:  cfg.Queue.MaxReceives,
			ErrorBackoff: cfg.Worker.ErrorBackoff,
			EnsureSchema: func(ctx context.Context) error {
				return repository.EnsureSchema(ctx, cfg.Postgres.URL, logger)
			},
			Metrics: m,
		},
		logger,
	)

	metricsPort := cfg.Worker.MetricsPort
	app := fiber.New()
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		Registry: m.Registry(),
	})))

	go func() {
		logger.Info("Metrics server listening", zap.String("port", metricsPort))
		if err := app.Listen(metricsPort); err != nil {
			logger.Error("Metrics serving failed", zap.Error(err))
		}
	}()

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- w.Run(ctx)
	}()

	select {
	case err := <-workerDone:
		if err != nil {
			logger.Error("Confirmation worker failed", zap.Error(err))
		}
		stop()
	case <-ctx.Done():
		<-workerDone
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Error shutting down metrics server", zap.Error(err))
	}

	if err := fulfillment.Close(); err != nil {
		logger.Error("Error closing fulfillment queue", zap.Error(err))
	}

	pool.Close()
	logger.Info("Closed db pool successfully")

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down telemetry", zap.Error(err))
	} else {
		logger.Info("Telemetry stopped correctly")
	}
}
