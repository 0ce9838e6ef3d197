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

	"github.com/acai-travel/agent-bench/internal/bench"
	"github.com/acai-travel/agent-bench/internal/bench/model"
	"github.com/acai-travel/agent-bench/internal/bench/rubric"
	"github.com/acai-travel/agent-bench/internal/bench/run"
	"github.com/acai-travel/agent-bench/internal/bench/runtime"
	"github.com/acai-travel/agent-bench/internal/httpx"
	"github.com/acai-travel/agent-bench/internal/mongox"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const sweepInterval = 30 * time.Second

// initMeterProvider initializes an OpenTelemetry MeterProvider with a stdout exporter
func initMeterProvider() (*metric.MeterProvider, error) {
	// Create stdout exporter
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}

	// Create a meter provider with a periodic reader
	// The reader will export metrics every 10 seconds
	meterProvider := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(10*time.Second))),
	)

	// Set the global meter provider
	otel.SetMeterProvider(meterProvider)

	return meterProvider, nil
}

// initTracerProvider initializes an OpenTelemetry TracerProvider with a stdout exporter
func initTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))

	// Set the global tracer provider
	otel.SetTracerProvider(tracerProvider)

	return tracerProvider, nil
}

func main() {
	// Initialize OpenTelemetry providers
	meterProvider, err := initMeterProvider()
	if err != nil {
		slog.Error("Failed to initialize meter provider", "error", err)
		panic(err)
	}

	tracerProvider, err := initTracerProvider()
	if err != nil {
		slog.Error("Failed to initialize tracer provider", "error", err)
		panic(err)
	}

	// Setup graceful shutdown for telemetry
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shutdown meter provider", "error", err)
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shutdown tracer provider", "error", err)
		}
	}()

	mongo := mongox.MustConnect()

	repo := model.New(mongo)
	if err := repo.EnsureIndexes(context.Background()); err != nil {
		slog.Error("Failed to ensure indexes", "error", err)
		panic(err)
	}

	agents := runtime.NewClientFromEnv()

	svc := run.NewService(repo, agents,
		run.WithJudge(rubric.NewOpenAIJudge(), os.Getenv("JUDGE_MODEL")))

	server := bench.NewServer(svc)

	// Configure handler
	handler := mux.NewRouter()
	handler.Use(
		httpx.Logger(),
		httpx.Recovery(),
		httpx.Tracing(),
		httpx.Metrics(),
	)

	handler.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "agent-bench is up")
	})

	server.Register(handler)

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// Create HTTP server with graceful shutdown support
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// The sweeper complements sweep-on-read: stuck runs time out even when
	// nobody polls them.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go svc.RunSweeper(sweepCtx, sweepInterval)

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Start the server in a goroutine
	go func() {
		slog.Info("Starting the server...", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			panic(err)
		}
	}()

	// Wait for shutdown signal
	<-shutdown
	slog.Info("Shutting down server...")
	stopSweeper()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}
