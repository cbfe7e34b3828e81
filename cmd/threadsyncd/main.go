// cmd/threadsyncd — 线程同步守护进程主入口。
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/codexmonitor/threadsync/internal/actions"
	"github.com/codexmonitor/threadsync/internal/appserver"
	"github.com/codexmonitor/threadsync/internal/cache"
	"github.com/codexmonitor/threadsync/internal/config"
	"github.com/codexmonitor/threadsync/internal/dashboard"
	"github.com/codexmonitor/threadsync/internal/database"
	"github.com/codexmonitor/threadsync/internal/engine"
	"github.com/codexmonitor/threadsync/internal/threadstore"
	"github.com/codexmonitor/threadsync/pkg/logger"
	"github.com/codexmonitor/threadsync/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warnw("file logger init failed", logger.FieldError, err)
		}
		defer logger.ShutdownFileHandler()
	}

	// 持久缓存: 有连接串走 Postgres, 否则退化为进程内存。
	var kv cache.KV
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("database init failed", logger.FieldError, err)
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
			logger.Fatal("migration failed", logger.FieldError, err)
		}
		kv = cache.NewPGStore(pool)
	} else {
		logger.Warn("POSTGRES_CONNECTION_STRING not set, thread cache is in-memory only")
		kv = cache.NewMemoryKV()
	}

	persistent := cache.New(kv)
	persistent.SetLimits(cfg.MaxCachedThreads, cfg.PinnedThreadSoftLimit)
	sticky := cache.NewStickyRateLimits(persistent)
	store := threadstore.New()
	registry := appserver.NewRegistry()

	bus := dashboard.NewEventBus()
	eng := engine.New(store, registry, persistent, sticky, engine.Options{
		Debug:         bus,
		UsageDebounce: time.Duration(cfg.TokenUsageDebounceMS) * time.Millisecond,
	})
	mgr := actions.New(store, registry, persistent, eng, actions.Options{
		HistoryBatchSize:     cfg.HistoryBatchSize,
		ListTargetCount:      cfg.ListTargetCount,
		ListPageSize:         cfg.ListPageSize,
		MaxPagesWithoutMatch: cfg.MaxPagesWithoutMatch,
		PreviewNameMax:       cfg.ThreadNamePreviewMax,
		StreamHistory:        cfg.HistoryStreamEnabled,
	})

	workspaces := cfg.WorkspaceList()
	if len(workspaces) == 0 {
		logger.Warn("WORKSPACES not set, no app-server session will be opened")
	}
	for _, ws := range workspaces {
		client := appserver.New(ws.ID, cfg.AppServerURL, appserver.Options{
			CallTimeout:  time.Duration(cfg.AppServerCallTimeout) * time.Second,
			PingInterval: time.Duration(cfg.AppServerPingInterval) * time.Second,
			MaxReconnect: cfg.AppServerMaxReconnect,
		})
		client.SetNotificationHandler(eng.HandleNotification)
		if old := registry.Add(client); old != nil {
			_ = old.Close()
		}

		ws := ws
		util.SafeGo(func() {
			if err := client.Connect(ctx); err != nil {
				logger.Errorw("app-server connect failed",
					logger.FieldWorkspaceID, ws.ID, logger.FieldError, err)
				return
			}
			if err := client.Initialize(ctx); err != nil {
				logger.Errorw("app-server initialize failed",
					logger.FieldWorkspaceID, ws.ID, logger.FieldError, err)
				return
			}
			if _, err := mgr.ListThreadsForWorkspace(ctx, ws.ID, ws.Path); err != nil {
				logger.Warnw("initial thread list failed",
					logger.FieldWorkspaceID, ws.ID, logger.FieldError, err)
			}
		})
	}

	if cfg.DashboardEnabled {
		srv := dashboard.NewServer(store, mgr, bus)
		addr := fmt.Sprintf(":%d", cfg.DashboardPort)
		logger.Infow("dashboard starting", logger.FieldPort, cfg.DashboardPort)
		util.SafeGo(func() {
			if err := srv.Run(addr); err != nil {
				logger.Fatal("dashboard failed", logger.FieldError, err)
			}
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")
	for _, id := range registry.WorkspaceIDs() {
		if client := registry.Remove(id); client != nil {
			_ = client.Close()
		}
	}
}
