// Package cache 提供本地持久化缓存: 线程摘要、活动时间、置顶、
// 自定义名称与限流快照。网络响应前用作乐观占位数据, 进程重启后仍在。
//
// 所有读取都容忍 key 缺失或存储值损坏 — 返回空默认值, 绝不上抛。
package cache

import (
	"context"
	"encoding/json"
	"sync"
)

// KV 键值后端。Get 在 key 不存在时返回 (nil, nil)。
type KV interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value any) error
}

// MemoryKV 进程内 KV (无数据库模式与测试用)。
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewMemoryKV 创建内存 KV。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]json.RawMessage)}
}

// Get 读取 key, 缺失返回 (nil, nil)。
func (m *MemoryKV) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return raw, nil
}

// Set 序列化并写入。
func (m *MemoryKV) Set(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = data
	m.mu.Unlock()
	return nil
}
