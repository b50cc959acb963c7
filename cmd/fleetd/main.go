// fleetd is the control plane daemon: HTTP API, metrics endpoint, and
// the background task workers that realize lifecycle transitions.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/api"
	"github.com/devghori1264/aerophoenix/fleetd/internal/autoscale"
	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/events"
	"github.com/devghori1264/aerophoenix/fleetd/internal/infra"
	"github.com/devghori1264/aerophoenix/fleetd/internal/lifecycle"
	"github.com/devghori1264/aerophoenix/fleetd/internal/metrics"
	"github.com/devghori1264/aerophoenix/fleetd/internal/ops"
	"github.com/devghori1264/aerophoenix/fleetd/internal/runner"
	"github.com/devghori1264/aerophoenix/fleetd/internal/scheduler"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/devghori1264/aerophoenix/fleetd/internal/tasks"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			logger.Fatal("setup tracing", zap.Error(err))
		}
		defer shutdown()
	}

	store, err := storage.NewBadgerStore(cfg.Storage.Path)
	if err != nil {
		logger.Fatal("open store", zap.String("path", cfg.Storage.Path), zap.Error(err))
	}
	defer store.Close()

	publisher, err := events.Connect(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal("connect nats", zap.String("url", cfg.NATS.URL), zap.Error(err))
	}
	defer publisher.Close()

	taskRunner := tasks.NewRunner(cfg.Scheduler.Workers, logger)
	ledger := ops.New(store)
	adapter := infra.NewAdapter(cfg, runner.New(cfg.Infra), logger)
	fleet := lifecycle.NewManager(store, ledger, adapter, taskRunner, publisher, cfg.Host.TotalRAMMB, logger)
	jobs := scheduler.NewEngine(store, ledger, taskRunner, publisher, cfg.Scheduler, logger)
	scaler := autoscale.NewController(store, fleet, publisher, logger)

	apiServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.NewHandler(fleet, jobs, scaler, store, logger),
	}
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metrics.Register(metricsMux)
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}

	// Let in-flight transitions reach a terminal state before the
	// store closes underneath them.
	taskRunner.Close()
	taskRunner.Wait()
	logger.Info("shutdown complete")
}

func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}, nil
}
