// debounce.go — 回合完成后的 token 用量延迟刷新。
package engine

import (
	"context"
	"sync"

	"github.com/bep/debounce"
	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/pkg/logger"
)

// usageRefresher 按线程去抖地向运行时读取权威 token 用量。
// 同一线程 250ms 内的多次完成只触发一次 RPC。
type usageRefresher struct {
	engine *Engine

	mu        sync.Mutex
	debounced map[string]func(func())
}

func newUsageRefresher(e *Engine) *usageRefresher {
	return &usageRefresher{
		engine:    e,
		debounced: make(map[string]func(func())),
	}
}

func (r *usageRefresher) schedule(workspaceID, threadID string) {
	if threadID == "" {
		return
	}
	r.mu.Lock()
	fn, ok := r.debounced[threadID]
	if !ok {
		fn = debounce.New(r.engine.usageDebounce)
		r.debounced[threadID] = fn
	}
	r.mu.Unlock()

	fn(func() {
		r.refresh(workspaceID, threadID)
	})
}

func (r *usageRefresher) refresh(workspaceID, threadID string) {
	client, ok := r.engine.client(workspaceID)
	if !ok {
		return
	}
	result, err := client.ThreadTokenUsage(context.Background(), threadID)
	if err != nil {
		logger.Warnw("token 用量读取失败",
			logger.FieldThreadID, threadID, logger.FieldError, err)
		return
	}
	if usage, ok := normalize.TokenUsageFromParams(result); ok {
		r.engine.store.SetTokenUsage(threadID, usage)
	}
}

// forget 线程被删除时释放对应的去抖器。
func (r *usageRefresher) forget(threadID string) {
	r.mu.Lock()
	delete(r.debounced, threadID)
	r.mu.Unlock()
}

// ForgetThread 清理线程相关的引擎侧缓冲 (archive 后调用)。
func (e *Engine) ForgetThread(threadID string) {
	prefix := threadID + "\x00"
	e.mu.Lock()
	for key := range e.deltaBuffers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(e.deltaBuffers, key)
		}
	}
	for key := range e.completedAgentItems {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(e.completedAgentItems, key)
		}
	}
	delete(e.pendingInterrupts, threadID)
	for streamID, state := range e.historyStreams {
		if state.threadID == threadID {
			delete(e.historyStreams, streamID)
		}
	}
	e.mu.Unlock()
	e.usageRefresher.forget(threadID)
}
