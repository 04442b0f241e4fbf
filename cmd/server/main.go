package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aihub/docqa/app/bootstrap"
	"github.com/aihub/docqa/app/middleware"
	"github.com/aihub/docqa/app/router"
	"github.com/aihub/docqa/internal/di"
	"github.com/aihub/docqa/internal/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()

	if err := run(app); err != nil {
		app.Logger.Error("Server exited with error", zap.Error(err))
	}
}

func run(app *bootstrap.App) error {
	cfg := app.Config

	// 配置Beego全局设置
	web.BConfig.AppName = "DocQA API"
	web.BConfig.RunMode = web.PROD
	if cfg.Server.Env == "development" {
		web.BConfig.RunMode = web.DEV
	}
	web.BConfig.WebConfig.AutoRender = false
	web.BConfig.MaxMemory = cfg.Server.MaxUploadMB << 20
	web.BConfig.MaxUploadSize = (cfg.Server.MaxUploadMB + 1) << 20

	var (
		deps router.Handlers
		pool *services.WorkerPool
	)
	err := app.Container.Invoke(func(
		intake *services.IntakeService,
		retrieval *services.RetrievalService,
		health *services.HealthChecker,
		metrics di.MetricsHandler,
		workers *services.WorkerPool,
	) {
		deps = router.Handlers{Intake: intake, Retrieval: retrieval, Health: health, Metrics: metrics}
		pool = workers
	})
	if err != nil {
		return err
	}

	if err := middleware.NewMiddlewareManager(app.Logger, cfg.Server.CORSOrigins).Apply(web.BeeApp.Handlers); err != nil {
		return err
	}
	router.Init(deps)
	app.WatchRetrievalTuning(deps.Retrieval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           web.BeeApp.Handlers,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Logger.Info("Starting DocQA API", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Worker.Embedded {
		g.Go(func() error {
			app.Logger.Info("Starting embedded ingestion workers", zap.Int("concurrency", pool.Concurrency()))
			return pool.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("Shutting down DocQA API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
