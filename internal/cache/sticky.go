// sticky.go — 粘性限流快照。
//
// 工作区短暂断连时实时限流读数会变空, 直接透传会导致 UI 闪烁。
// 策略: 最近一次非空快照按工作区缓存并持久化; 实时值缺失/为空时
// 返回缓存值; 工作区离开活动集后剪除。
package cache

import (
	"context"
	"sync"

	"github.com/codexmonitor/threadsync/internal/normalize"
)

// StickyRateLimits 粘性限流缓存。
type StickyRateLimits struct {
	mu     sync.RWMutex
	cache  *Cache
	loaded bool
	byWS   map[string]normalize.RateLimitSnapshot
}

// NewStickyRateLimits 创建粘性限流缓存 (持久层懒加载)。
func NewStickyRateLimits(c *Cache) *StickyRateLimits {
	return &StickyRateLimits{
		cache: c,
		byWS:  make(map[string]normalize.RateLimitSnapshot),
	}
}

// ensureLoadedLocked 首次访问时从持久层回填。调用方必须已持写锁。
func (s *StickyRateLimits) ensureLoadedLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	persisted := loadMap[normalize.RateLimitSnapshot](ctx, s.cache.kv, keyRateLimits)
	for ws, snap := range persisted {
		if !snap.IsEmpty() {
			s.byWS[ws] = snap
		}
	}
}

// Update 记录一次快照。空快照忽略 — 粘性语义的核心。
func (s *StickyRateLimits) Update(ctx context.Context, workspaceID string, snap normalize.RateLimitSnapshot) {
	if snap.IsEmpty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(ctx)
	s.byWS[workspaceID] = snap
	saveMap(ctx, s.cache.kv, keyRateLimits, s.byWS)
}

// Get 返回工作区快照: live 非空时用 live, 否则回退缓存。
func (s *StickyRateLimits) Get(ctx context.Context, workspaceID string, live normalize.RateLimitSnapshot, hasLive bool) (normalize.RateLimitSnapshot, bool) {
	if hasLive && !live.IsEmpty() {
		return live, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(ctx)
	snap, ok := s.byWS[workspaceID]
	return snap, ok
}

// Prune 剪除不在活动集内的工作区。
func (s *StickyRateLimits) Prune(ctx context.Context, activeWorkspaceIDs []string) {
	active := make(map[string]struct{}, len(activeWorkspaceIDs))
	for _, id := range activeWorkspaceIDs {
		active[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(ctx)
	changed := false
	for ws := range s.byWS {
		if _, ok := active[ws]; !ok {
			delete(s.byWS, ws)
			changed = true
		}
	}
	if changed {
		saveMap(ctx, s.cache.kv, keyRateLimits, s.byWS)
	}
}
