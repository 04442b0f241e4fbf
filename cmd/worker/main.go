package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/docqa/app/bootstrap"
	"github.com/aihub/docqa/internal/di"
	"github.com/aihub/docqa/internal/services"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap worker: %v", err)
	}
	defer app.Shutdown()

	var (
		pool    *services.WorkerPool
		metrics di.MetricsHandler
	)
	if err := app.Container.Invoke(func(p *services.WorkerPool, m di.MetricsHandler) {
		pool, metrics = p, m
	}); err != nil {
		app.Logger.Error("Failed to build worker pool", zap.Error(err))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 独立进程在 worker.metrics_port 上暴露 /metrics，与 API 进程的 server.port 分开
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	srv := &http.Server{Addr: ":" + app.Config.Worker.MetricsPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Warn("Metrics listener stopped", zap.Error(err))
		}
	}()
	app.OnShutdown(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	app.Logger.Info("Starting ingestion workers",
		zap.Int("concurrency", pool.Concurrency()),
		zap.String("metrics_addr", srv.Addr))
	if err := pool.Run(ctx); err != nil {
		app.Logger.Error("Worker pool exited with error", zap.Error(err))
	}
}
