package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-shelf/v1/config"
	"github.com/mirkobrombin/go-shelf/v1/httpapi"
	"github.com/mirkobrombin/go-shelf/v1/metrics"
	"github.com/mirkobrombin/go-shelf/v1/presets"
)

var envFiles = flag.String("env", ".env", "Comma separated .env files to load")

func newLogger(cfg config.Log) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	flag.Parse()

	cfg, err := config.Load(strings.Split(*envFiles, ",")...)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		exp, err := stdouttrace.New()
		if err != nil {
			log.Fatalf("tracing: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	stack, err := presets.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build library stack", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	go stack.Auditor.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:  httpapi.New(stack.Service, stack.Feed, logger),
		Gatherer: reg,
		Logger:   logger,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shelfd listening", "addr", cfg.HTTP.Addr, "bus", cfg.Bus.Kind, "cache", cfg.Cache.Backend, "lock", cfg.Lock.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	}
}
