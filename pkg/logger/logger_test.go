// logger_test.go — 日志级别的动态调整。
package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestSetLevel(t *testing.T) {
	defer levelVar.Set(slog.LevelInfo)

	tests := []struct {
		name    string
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"error mutes warn", "ERROR", slog.LevelError, slog.LevelWarn},
		{"lowercase accepted", "debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"warning alias", "Warning", slog.LevelWarn, slog.LevelInfo},
		{"padded", "  info  ", slog.LevelInfo, slog.LevelDebug},
	}
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			if !Get().Enabled(ctx, tt.enabled) {
				t.Errorf("level %v disabled after SetLevel(%q)", tt.enabled, tt.level)
			}
			if Get().Enabled(ctx, tt.muted) {
				t.Errorf("level %v still enabled after SetLevel(%q)", tt.muted, tt.level)
			}
		})
	}

	// 未知名称不改当前级别
	SetLevel("ERROR")
	SetLevel("verbose")
	if Get().Enabled(ctx, slog.LevelWarn) {
		t.Error("unknown level name changed the effective level")
	}
}
