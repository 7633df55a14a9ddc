package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"bulkload/config"
	"bulkload/internal/app"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load(os.Getenv("BULKLOAD_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	z := NewLogger(cfg.LogFormat)
	defer func() { _ = z.Sync() }()
	if envErr != nil {
		z.Info("No .env file found, using environment variables")
	}

	if cfg.LogFormat == "json" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.New(cfg, z)
	if err != nil {
		z.Fatal("Failed to set up application", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			z.Warn("Failed to release resources", zap.Error(err))
		}
	}()

	// No write timeout: event streams and WebSocket sessions last as long as
	// the upload does.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitorResources(ctx, z, 30*time.Second)

	go func() {
		z.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			z.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	z.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		z.Warn("Server shutdown incomplete", zap.Error(err))
	}
}

// NewLogger returns a production JSON logger for format "json" and a
// development console logger otherwise.
func NewLogger(format string) *zap.Logger {
	var zapLogger *zap.Logger
	var err error

	if format == "json" {
		zapLogger, err = zap.NewProduction()
	} else {
		zapLogger, err = zap.NewDevelopment()
	}

	if err != nil {
		panic(err)
	}

	return zapLogger
}

func monitorResources(ctx context.Context, z *zap.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			z.Debug("Resource Monitor",
				zap.Uint64("alloc_mb", m.Alloc/(1024*1024)),
				zap.Uint64("sys_mb", m.Sys/(1024*1024)),
				zap.Uint32("gc_count", m.NumGC),
				zap.Int("goroutines", runtime.NumGoroutine()),
				zap.Int("num_cpu", runtime.NumCPU()),
			)
		case <-ctx.Done():
			return
		}
	}
}
