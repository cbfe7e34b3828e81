// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"strings"

	"github.com/codexmonitor/threadsync/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// app-server 连接
	AppServerURL          string `env:"APP_SERVER_URL" default:"ws://127.0.0.1:4500/ws"`
	Workspaces            string `env:"WORKSPACES"` // "id:path" 逗号分隔
	AppServerCallTimeout  int    `env:"APP_SERVER_CALL_TIMEOUT_SEC" default:"60" min:"1"`
	AppServerPingInterval int    `env:"APP_SERVER_PING_INTERVAL_SEC" default:"20" min:"1"`
	AppServerMaxReconnect int    `env:"APP_SERVER_MAX_RECONNECT" default:"10" min:"0"`

	// PostgreSQL (持久化缓存)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// 同步引擎调优
	MaxCachedThreads      int  `env:"MAX_CACHED_THREADS" default:"50" min:"1"`
	HistoryStreamEnabled  bool `env:"HISTORY_STREAM_ENABLED" default:"false"`
	HistoryBatchSize      int  `env:"HISTORY_BATCH_SIZE" default:"120" min:"1"`
	ListTargetCount       int  `env:"LIST_TARGET_COUNT" default:"20" min:"1"`
	ListPageSize          int  `env:"LIST_PAGE_SIZE" default:"20" min:"1"`
	MaxPagesWithoutMatch  int  `env:"MAX_PAGES_WITHOUT_MATCH" default:"10" min:"1"`
	TokenUsageDebounceMS  int  `env:"TOKEN_USAGE_DEBOUNCE_MS" default:"250" min:"1"`
	ThreadNamePreviewMax  int  `env:"THREAD_NAME_PREVIEW_MAX" default:"38" min:"1"`
	PinnedThreadSoftLimit int  `env:"PINNED_THREAD_SOFT_LIMIT" default:"5" min:"1"`

	// Dashboard (调试面板)
	DashboardEnabled bool `env:"DASHBOARD_ENABLED" default:"true"`
	DashboardPort    int  `env:"DASHBOARD_PORT" default:"4501" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR"`
	AppEnv   string `env:"APP_ENV" default:"production"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// Workspace 受管工作区: 本地目录与其 app-server 会话一一对应。
type Workspace struct {
	ID   string
	Path string
}

// WorkspaceList 解析 WORKSPACES ("id:path" 逗号分隔)。
// 单元素无冒号时把路径同时用作 id。
func (c *Config) WorkspaceList() []Workspace {
	raw := strings.TrimSpace(c.Workspaces)
	if raw == "" {
		return nil
	}
	var out []Workspace
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, path, found := strings.Cut(part, ":")
		if !found {
			out = append(out, Workspace{ID: part, Path: part})
			continue
		}
		id = strings.TrimSpace(id)
		path = strings.TrimSpace(path)
		if id == "" || path == "" {
			continue
		}
		out = append(out, Workspace{ID: id, Path: path})
	}
	return out
}
