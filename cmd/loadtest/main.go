// Command loadtest drives a running intake service. It runs the "stress"
// scenario by default, or "idempotency" when given as the first argument.
//
// Settings come from the environment: LOADTEST_URL, LOADTEST_PRODUCT,
// LOADTEST_STOCK, LOADTEST_BUYERS and LOADTEST_CONCURRENCY.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/config"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(config.LoggerConfig{Level: "info", Env: "dev", Service: "loadtest"})
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	baseURL := utils.ParseWithFallback("LOADTEST_URL", "http://localhost:3000")
	client := NewClient(baseURL, 10*time.Second)

	scenario := "stress"
	if len(os.Args) > 1 {
		scenario = os.Args[1]
	}

	switch scenario {
	case "stress":
		productID := utils.ParseWithFallback("LOADTEST_PRODUCT", "item-123")
		stock := utils.ParseIntWithFallback("LOADTEST_STOCK", 100)
		buyers := utils.ParseIntWithFallback("LOADTEST_BUYERS", 100)
		concurrency := utils.ParseIntWithFallback("LOADTEST_CONCURRENCY", 100)

		logger.Info("Starting stress test", zap.Int("stock", stock), zap.Int("buyers", buyers))

		report, err := RunStress(ctx, client, productID, stock, buyers, concurrency)
		if err != nil {
			logger.Fatal("Stress test failed", zap.Error(err))
		}

		logger.Info(
			"Stress test finished",
			zap.Int("reserved", report.Reserved),
			zap.Int("sold_out", report.SoldOut),
			zap.Int("other", report.Other),
			zap.Int("errors", report.Errors),
			zap.Duration("elapsed", report.Elapsed),
		)

		if report.Oversold(stock) {
			logger.Error("Oversell detected", zap.Int("stock", stock), zap.Int("reserved", report.Reserved))
			os.Exit(1)
		}
	case "idempotency":
		productID := utils.ParseWithFallback("LOADTEST_PRODUCT", "item-idempotency")

		report, err := RunIdempotency(ctx, client, productID)
		if err != nil {
			logger.Fatal("Idempotency test failed", zap.Error(err))
		}

		logger.Info(
			"Idempotency test finished",
			zap.Int("first_status", report.FirstStatus),
			zap.Int("second_status", report.SecondStatus),
			zap.Bool("second_replayed", report.SecondReplayed),
			zap.Int("third_status", report.ThirdStatus),
		)

		if !report.OK() {
			logger.Error("Idempotency did not behave as expected")
			os.Exit(1)
		}
	default:
		logger.Fatal("Unknown scenario", zap.String("scenario", scenario))
	}
}
