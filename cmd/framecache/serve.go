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

	"github.com/fiapx/fiapx-framecache/internal/infra/config"
	"github.com/fiapx/fiapx-framecache/internal/infra/httpapi"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
	"github.com/fiapx/fiapx-framecache/internal/infra/tracing"
	"github.com/fiapx/fiapx-framecache/pkg/logger"
	"go.uber.org/zap"
)

type ServeCmd struct {
	Port int `help:"Control API port (overrides HTTP_PORT)" default:"0"`
}

func (cmd *ServeCmd) Run() error {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")
	if cmd.Port > 0 {
		cfg.HTTPPort = cmd.Port
	}

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting framecache", zap.String("version", Version), zap.String("transport", cfg.WorkerTransport))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, cfg.ServiceName)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer a.Close()

	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, a.session.Ready, log)

	engine := httpapi.New(httpapi.Dependencies{
		Session:   a.session,
		Sources:   a.sources,
		Raster:    a.raster,
		Hub:       a.hub,
		MaxUpload: cfg.MaxUploadBytes,
		Logger:    log.Named("http"),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("control API starting", zap.Int("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		log.Error("control API error", zap.Error(runErr))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	a.hub.Close()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("framecache stopped")
	return runErr
}
