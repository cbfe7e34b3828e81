// cmd/migrate — 独立迁移入口 (部署脚本用)。
package main

import (
	"context"
	"os"

	"github.com/codexmonitor/threadsync/internal/config"
	"github.com/codexmonitor/threadsync/internal/database"
	"github.com/codexmonitor/threadsync/pkg/logger"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	if cfg.PostgresConnStr == "" {
		logger.Error("POSTGRES_CONNECTION_STRING not set")
		os.Exit(1)
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.FieldError, err)
	}
	defer pool.Close()

	dir := "./migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if err := database.Migrate(ctx, pool, dir); err != nil {
		logger.Fatal("migration failed", logger.FieldError, err)
	}
	logger.Info("migrations applied")
}
