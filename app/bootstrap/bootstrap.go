package bootstrap

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/docqa/internal/config"
	"github.com/aihub/docqa/internal/di"
	"github.com/aihub/docqa/internal/logger"
	"github.com/aihub/docqa/internal/services"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Container *dig.Container

	loader       *config.Loader
	cleanup      *di.Cleanup
	cleanupTasks []func() error
}

// Init loads .env and configuration, initializes the logger and builds the
// dependency container. Components are constructed lazily on Invoke.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// 配置加载前先用环境变量初始化日志，确保配置错误也能输出
	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	loader := config.NewLoader(os.Getenv("DOCQA_CONFIG"))
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	l, err := logger.Init(logger.Options{Level: cfg.Log.Level, Env: cfg.Server.Env})
	if err != nil {
		return nil, err
	}

	container, cleanup, err := di.Build(cfg, l)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    l,
		Container: container,
		loader:    loader,
		cleanup:   cleanup,
	}, nil
}

// OnShutdown registers a task executed by Shutdown before container resources are released.
func (a *App) OnShutdown(fn func() error) {
	a.cleanupTasks = append(a.cleanupTasks, fn)
}

// WatchRetrievalTuning 配置文件变更时热更新 top_k 和 min_score，其余配置需重启生效
func (a *App) WatchRetrievalTuning(retrieval *services.RetrievalService) {
	a.loader.Watch(func(cfg *config.Config) {
		tuning := services.RetrievalTuning{TopK: cfg.Retrieval.TopK, MinScore: cfg.Retrieval.MinScore}
		if err := retrieval.UpdateTuning(tuning); err != nil {
			a.Logger.Warn("Rejected retrieval tuning update", zap.Error(err))
			return
		}
		a.Logger.Info("Retrieval tuning updated",
			zap.Int("top_k", tuning.TopK),
			zap.Float64("min_score", tuning.MinScore))
	})
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			a.Logger.Error("Cleanup error", zap.Error(err))
		}
	}
	if err := a.cleanup.Run(); err != nil {
		a.Logger.Error("Failed to release resources", zap.Error(err))
	}

	// Flush logger buffers.
	logger.Sync()
}
