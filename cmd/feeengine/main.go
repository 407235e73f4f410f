package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fee-engine/cmd/feeengine/cli"
	"github.com/odyssey-erp/fee-engine/internal/app"
	"github.com/odyssey-erp/fee-engine/internal/feeapi"
	"github.com/odyssey-erp/fee-engine/internal/fees"
	feeshttp "github.com/odyssey-erp/fee-engine/internal/fees/http"
	"github.com/odyssey-erp/fee-engine/internal/observability"
	"github.com/odyssey-erp/fee-engine/internal/platform/cache"
	"github.com/odyssey-erp/fee-engine/internal/platform/db"
	"github.com/odyssey-erp/fee-engine/internal/platform/idempotency"
	"github.com/odyssey-erp/fee-engine/jobs"
	"github.com/odyssey-erp/fee-engine/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(os.Args[2:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ApplicationName: "fee-engine"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := idempotency.EnsureSchema(ctx, dbpool); err != nil {
		logger.Error("ensure idempotency schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, snapshot cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	feeClient := feeapi.NewClient(cfg.FeeAPIBaseURL, cfg.FeeAPIToken, cfg.FeeAPITimeout)
	snapshotCache := fees.NewSnapshotCache(redisClient, cfg.SnapshotTTL)
	feeService := fees.NewService(feeClient, snapshotCache, idempotency.NewStore(dbpool), logger, fees.ServiceConfig{
		AcademicYearStartMonth: cfg.AcademicYearStart(),
	})
	feeService.WithObserver(metrics)

	pdfClient := report.NewClient(cfg.GotenbergURL)
	feesHandler := feeshttp.NewHandler(logger, feeService, pdfClient, cfg.RateLimitPerMinute)
	reportHandler := report.NewHandler(pdfClient, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		FeesHandler:   feesHandler,
		ReportHandler: reportHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runJobsCommand(args []string) int {
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs cli: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return jobsCLI.Run(ctx, args, os.Stdout, os.Stderr)
}
