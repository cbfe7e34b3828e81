// cache.go — 类型化缓存读写助手。
package cache

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/codexmonitor/threadsync/pkg/logger"
)

// 存储 key。每个 key 存整个 map 快照, 单次写入不会与其他工作区交错。
const (
	keyThreadActivity  = "codexmonitor.threadLastUserActivity"
	keyPinnedThreads   = "codexmonitor.pinnedThreads"
	keyCustomNames     = "codexmonitor.threadCustomNames"
	keyThreadSummaries = "codexmonitor.threadSummaries"
	keyRateLimits      = "codexmonitor.rateLimitsByWorkspace"
)

const (
	// MaxCachedThreads 每工作区摘要缓存默认上限。
	MaxCachedThreads = 50
	// MaxPinsSoftLimit 置顶数默认软上限。
	MaxPinsSoftLimit = 5
)

// ThreadSummary 持久化的线程摘要 (列表占位数据)。
type ThreadSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Cache 类型化缓存门面。
type Cache struct {
	kv         KV
	maxThreads int
	maxPins    int
}

// New 创建缓存。kv 为 nil 时退回进程内存储。
func New(kv KV) *Cache {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &Cache{kv: kv, maxThreads: MaxCachedThreads, maxPins: MaxPinsSoftLimit}
}

// SetLimits 用配置覆盖默认上限, 非正值保持默认。
func (c *Cache) SetLimits(maxThreads, maxPins int) {
	if maxThreads > 0 {
		c.maxThreads = maxThreads
	}
	if maxPins > 0 {
		c.maxPins = maxPins
	}
}

// loadMap 读取并反序列化一个 map 型 key。任何失败都返回空 map。
func loadMap[V any](ctx context.Context, kv KV, key string) map[string]V {
	out := map[string]V{}
	raw, err := kv.Get(ctx, key)
	if err != nil {
		logger.Warn("cache: load failed, using empty default",
			logger.FieldKey, key, logger.FieldError, err)
		return out
	}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Warn("cache: malformed entry, using empty default",
			logger.FieldKey, key, logger.FieldError, err)
		return map[string]V{}
	}
	return out
}

// saveMap 全量写回一个 map 型 key。
func saveMap[V any](ctx context.Context, kv KV, key string, value map[string]V) {
	if err := kv.Set(ctx, key, value); err != nil {
		logger.Warn("cache: save failed",
			logger.FieldKey, key, logger.FieldError, err)
	}
}

// ========================================
// 活动时间
// ========================================

// ThreadActivity 工作区内 threadID → 最近用户活动 (unix 毫秒)。
func (c *Cache) ThreadActivity(ctx context.Context, workspaceID string) map[string]int64 {
	all := loadMap[map[string]int64](ctx, c.kv, keyThreadActivity)
	if m, ok := all[workspaceID]; ok {
		return m
	}
	return map[string]int64{}
}

// SetThreadActivity 记录一次用户活动时间戳。
func (c *Cache) SetThreadActivity(ctx context.Context, workspaceID, threadID string, ts int64) {
	all := loadMap[map[string]int64](ctx, c.kv, keyThreadActivity)
	m := all[workspaceID]
	if m == nil {
		m = map[string]int64{}
	}
	m[threadID] = ts
	all[workspaceID] = m
	saveMap(ctx, c.kv, keyThreadActivity, all)
}

// ========================================
// 置顶
// ========================================

// PinnedThreads 工作区内 threadID → 置顶时间 (unix 毫秒)。
func (c *Cache) PinnedThreads(ctx context.Context, workspaceID string) map[string]int64 {
	all := loadMap[map[string]int64](ctx, c.kv, keyPinnedThreads)
	if m, ok := all[workspaceID]; ok {
		return m
	}
	return map[string]int64{}
}

// PinThread 置顶线程。超出软上限时淘汰最旧的置顶。
func (c *Cache) PinThread(ctx context.Context, workspaceID, threadID string, ts int64) {
	all := loadMap[map[string]int64](ctx, c.kv, keyPinnedThreads)
	m := all[workspaceID]
	if m == nil {
		m = map[string]int64{}
	}
	m[threadID] = ts
	for len(m) > c.maxPins {
		oldestID := ""
		oldestTS := int64(0)
		for id, at := range m {
			if oldestID == "" || at < oldestTS {
				oldestID, oldestTS = id, at
			}
		}
		delete(m, oldestID)
	}
	all[workspaceID] = m
	saveMap(ctx, c.kv, keyPinnedThreads, all)
}

// UnpinThread 取消置顶。
func (c *Cache) UnpinThread(ctx context.Context, workspaceID, threadID string) {
	all := loadMap[map[string]int64](ctx, c.kv, keyPinnedThreads)
	if m, ok := all[workspaceID]; ok {
		delete(m, threadID)
		all[workspaceID] = m
		saveMap(ctx, c.kv, keyPinnedThreads, all)
	}
}

// ========================================
// 自定义名称
// ========================================

// customNameKey 自定义名按 "workspaceId:threadId" 索引。
func customNameKey(workspaceID, threadID string) string {
	return workspaceID + ":" + threadID
}

// CustomName 查询用户自定义名, 无则返回空串。
func (c *Cache) CustomName(ctx context.Context, workspaceID, threadID string) string {
	names := loadMap[string](ctx, c.kv, keyCustomNames)
	return names[customNameKey(workspaceID, threadID)]
}

// SaveCustomName 持久化自定义名。
func (c *Cache) SaveCustomName(ctx context.Context, workspaceID, threadID, name string) {
	names := loadMap[string](ctx, c.kv, keyCustomNames)
	names[customNameKey(workspaceID, threadID)] = name
	saveMap(ctx, c.kv, keyCustomNames, names)
}

// RemoveCustomName 删除自定义名 (重命名为空时)。
func (c *Cache) RemoveCustomName(ctx context.Context, workspaceID, threadID string) {
	names := loadMap[string](ctx, c.kv, keyCustomNames)
	delete(names, customNameKey(workspaceID, threadID))
	saveMap(ctx, c.kv, keyCustomNames, names)
}

// ========================================
// 线程摘要
// ========================================

// ThreadSummaries 工作区缓存摘要 (按活动时间倒序)。
func (c *Cache) ThreadSummaries(ctx context.Context, workspaceID string) []ThreadSummary {
	all := loadMap[[]ThreadSummary](ctx, c.kv, keyThreadSummaries)
	return all[workspaceID]
}

// SaveThreadSummaries 持久化工作区摘要, 按活动时间倒序并截断到
// MaxCachedThreads 条 (最新优先)。
func (c *Cache) SaveThreadSummaries(ctx context.Context, workspaceID string, summaries []ThreadSummary) {
	sorted := make([]ThreadSummary, len(summaries))
	copy(sorted, summaries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt > sorted[j].UpdatedAt
	})
	if len(sorted) > c.maxThreads {
		sorted = sorted[:c.maxThreads]
	}
	all := loadMap[[]ThreadSummary](ctx, c.kv, keyThreadSummaries)
	all[workspaceID] = sorted
	saveMap(ctx, c.kv, keyThreadSummaries, all)
}

// RemoveThread 从摘要、活动时间、置顶与自定义名中删除一个线程
// (archive 成功后调用)。
func (c *Cache) RemoveThread(ctx context.Context, workspaceID, threadID string) {
	summaries := loadMap[[]ThreadSummary](ctx, c.kv, keyThreadSummaries)
	if list, ok := summaries[workspaceID]; ok {
		kept := list[:0]
		for _, s := range list {
			if s.ID != threadID {
				kept = append(kept, s)
			}
		}
		summaries[workspaceID] = kept
		saveMap(ctx, c.kv, keyThreadSummaries, summaries)
	}

	activity := loadMap[map[string]int64](ctx, c.kv, keyThreadActivity)
	if m, ok := activity[workspaceID]; ok {
		delete(m, threadID)
		activity[workspaceID] = m
		saveMap(ctx, c.kv, keyThreadActivity, activity)
	}

	c.UnpinThread(ctx, workspaceID, threadID)
	c.RemoveCustomName(ctx, workspaceID, threadID)
}
