// engine.go — 通知分发引擎: 把 app-server 推送路由到规范化状态变更。
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/codexmonitor/threadsync/internal/appserver"
	"github.com/codexmonitor/threadsync/internal/cache"
	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/internal/threadstore"
	"github.com/codexmonitor/threadsync/pkg/logger"
)

const defaultUsageDebounce = 250 * time.Millisecond

// Engine 持有流式缓冲与去抖状态, 把每条通知翻译成 store 变更。
// 所有通知经 HandleNotification 串行/并发进入, 内部锁只保护引擎自身
// 的缓冲表, store 自带互斥。
type Engine struct {
	store    *threadstore.Store
	registry *appserver.Registry
	cache    *cache.Cache
	sticky   *cache.StickyRateLimits
	bridge   BridgeSink
	debug    DebugSink

	mu                  sync.Mutex
	deltaBuffers        map[string]string   // threadID+"\x00"+itemID → 已合并文本
	pendingInterrupts   map[string]struct{} // threadID → 回合尚未出现的中断意图
	completedAgentItems map[string]struct{} // threadID+"\x00"+itemID → 完成事件已消费
	allowlist           map[string]struct{} // 审批方法+参数签名 → 自动批准
	historyStreams      map[string]*historyStreamState // streamId → 进行中的历史流

	usageDebounce  time.Duration
	usageRefresher *usageRefresher
}

// Options 引擎可选配置, 零值取默认。
type Options struct {
	Bridge        BridgeSink
	Debug         DebugSink
	UsageDebounce time.Duration
}

// New 创建引擎。registry 与 cache 允许为 nil (测试场景),
// 对应的 RPC 与持久化旁路会被跳过。
func New(store *threadstore.Store, registry *appserver.Registry, c *cache.Cache, sticky *cache.StickyRateLimits, opts Options) *Engine {
	e := &Engine{
		store:               store,
		registry:            registry,
		cache:               c,
		sticky:              sticky,
		bridge:              opts.Bridge,
		debug:               opts.Debug,
		deltaBuffers:        make(map[string]string),
		pendingInterrupts:   make(map[string]struct{}),
		completedAgentItems: make(map[string]struct{}),
		allowlist:           make(map[string]struct{}),
		historyStreams:      make(map[string]*historyStreamState),
		usageDebounce:       opts.UsageDebounce,
	}
	if e.bridge == nil {
		e.bridge = nopBridgeSink{}
	}
	if e.debug == nil {
		e.debug = nopDebugSink{}
	}
	if e.usageDebounce <= 0 {
		e.usageDebounce = defaultUsageDebounce
	}
	e.usageRefresher = newUsageRefresher(e)
	return e
}

func bufferKey(threadID, itemID string) string {
	return threadID + "\x00" + itemID
}

// MarkInterruptPending 记录 interrupt 意图: 回合 id 尚未到达时先占位,
// turn/started 一到便立即反向中断。
func (e *Engine) MarkInterruptPending(threadID string) {
	e.mu.Lock()
	e.pendingInterrupts[threadID] = struct{}{}
	e.mu.Unlock()
}

// ClearInterruptPending 撤销挂起的中断意图。
func (e *Engine) ClearInterruptPending(threadID string) {
	e.mu.Lock()
	delete(e.pendingInterrupts, threadID)
	e.mu.Unlock()
}

func (e *Engine) takePendingInterrupt(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pendingInterrupts[threadID]; !ok {
		return false
	}
	delete(e.pendingInterrupts, threadID)
	return true
}

// HandleNotification 是 appserver.NotificationHandler 的实现入口。
func (e *Engine) HandleNotification(n appserver.Notification) {
	params := n.Params
	if params == nil {
		params = map[string]any{}
	}
	threadID := normalize.ThreadID(params)

	e.debug.Emit(NewDebugEntry(n.WorkspaceID, n.Method, params))

	// token 用量可能附带在任意方法的载荷里, 先于路由提取一次,
	// 避免专用方法重复落库。
	usageHandled := false
	if threadID != "" {
		if usage, ok := normalize.TokenUsageFromParams(params); ok {
			e.store.SetTokenUsage(threadID, usage)
			usageHandled = true
		}
	}

	switch {
	case n.Method == "codex/connected":
		e.onConnected(n.WorkspaceID, params)

	case strings.Contains(n.Method, "requestApproval") && n.RequestID != nil:
		e.onApprovalRequest(n, threadID)

	case n.Method == "item/tool/requestUserInput" && n.RequestID != nil:
		e.onUserInputRequest(n, threadID)

	case n.Method == "item/agentMessage/delta":
		itemID := normalize.ItemID(params)
		delta, _ := normalize.FirstString(params, "delta", "text")
		if threadID == "" || itemID == "" || delta == "" {
			return
		}
		e.onAgentMessageDelta(n.WorkspaceID, threadID, itemID, delta)

	case n.Method == "turn/started":
		if threadID == "" {
			return
		}
		e.onTurnStarted(n.WorkspaceID, threadID, normalize.TurnID(params))

	case n.Method == "error":
		e.onTurnError(n.WorkspaceID, threadID, params)

	case n.Method == "turn/completed":
		if threadID == "" {
			return
		}
		e.onTurnCompleted(n.WorkspaceID, threadID, params, usageHandled)

	case n.Method == "turn/plan/updated":
		if threadID == "" {
			return
		}
		if plan, ok := normalize.PlanFromParams(params); ok {
			e.store.SetPlan(threadID, plan)
		}

	case n.Method == "turn/diff/updated":
		diff, ok := normalize.FirstString(params, "diff")
		if threadID == "" || !ok {
			return
		}
		e.store.SetDiff(threadID, diff)

	case isTokenUsageMethod(n.Method):
		if usageHandled || threadID == "" {
			return
		}
		container, ok := normalize.MapValue(params, "tokenUsage")
		if !ok {
			container, ok = normalize.MapValue(params, "token_usage")
		}
		if !ok {
			return
		}
		if usage, ok := normalize.TokenUsageCandidate(container); ok {
			e.store.SetTokenUsage(threadID, usage)
		}

	case n.Method == "account/rateLimits/updated":
		if snap, ok := normalize.RateLimitsFromParams(params); ok {
			e.store.SetRateLimits(n.WorkspaceID, snap)
			if e.sticky != nil {
				e.sticky.Update(context.Background(), n.WorkspaceID, snap)
			}
		}

	case n.Method == "item/agentMessage/completed" || n.Method == "item/agentMessage/complete":
		item, ok := normalize.MapValue(params, "item")
		if !ok {
			item = params
		}
		if threadID == "" {
			return
		}
		e.handleAgentCompletion(n.WorkspaceID, threadID, item)

	case n.Method == "item/completed":
		item, ok := normalize.MapValue(params, "item")
		if !ok {
			item = params
		}
		if threadID == "" {
			return
		}
		e.onItemUpdate(n.WorkspaceID, threadID, item, false)
		if rawType, _ := normalize.FirstString(item, "type", "item_type", "itemType"); rawType == "agentMessage" || rawType == "agent_message" {
			e.handleAgentCompletion(n.WorkspaceID, threadID, item)
		}

	case n.Method == "item/started":
		item, ok := normalize.MapValue(params, "item")
		if !ok {
			item = params
		}
		if threadID == "" {
			return
		}
		e.onItemUpdate(n.WorkspaceID, threadID, item, true)

	case n.Method == "item/reasoning/summaryTextDelta" || n.Method == "item/reasoning/textDelta":
		itemID := normalize.ItemID(params)
		delta, _ := normalize.FirstString(params, "delta", "text")
		if threadID == "" || itemID == "" || delta == "" {
			return
		}
		e.store.MarkProcessing(threadID, true)
		e.store.AppendItemText(threadID, itemID, normalize.ItemKindReasoning, delta)

	case n.Method == "item/commandExecution/outputDelta":
		itemID := normalize.ItemID(params)
		delta, _ := normalize.FirstString(params, "delta", "output", "chunk")
		if threadID == "" || itemID == "" || delta == "" {
			return
		}
		e.onToolOutputDelta(threadID, itemID, normalize.ItemKindCommand, delta)

	case n.Method == "item/commandExecution/terminalInteraction":
		itemID := normalize.ItemID(params)
		stdin, _ := normalize.FirstString(params, "stdin", "input")
		if threadID == "" || itemID == "" || stdin == "" {
			return
		}
		e.onTerminalInteraction(threadID, itemID, stdin)

	case n.Method == "thread/historyStream/chunk":
		streamID, _ := normalize.FirstString(params, "streamId", "stream_id")
		rawItems, _ := normalize.SliceValue(params, "items")
		if threadID == "" || streamID == "" {
			return
		}
		e.onHistoryChunk(n.WorkspaceID, threadID, streamID, rawItems)

	case n.Method == "thread/historyStream/completed" || n.Method == "thread/historyStream/closed":
		streamID, _ := normalize.FirstString(params, "streamId", "stream_id")
		if streamID == "" {
			return
		}
		e.onHistoryStreamClosed(streamID)

	case n.Method == "item/fileChange/outputDelta":
		itemID := normalize.ItemID(params)
		delta, _ := normalize.FirstString(params, "delta", "output", "chunk")
		if threadID == "" || itemID == "" || delta == "" {
			return
		}
		e.onToolOutputDelta(threadID, itemID, normalize.ItemKindFileChange, delta)

	default:
		if !usageHandled {
			logger.Debugw("未处理的通知方法",
				logger.FieldWorkspaceID, n.WorkspaceID,
				logger.FieldMethod, n.Method)
		}
	}
}

func isTokenUsageMethod(method string) bool {
	switch method {
	case "thread/tokenUsage/updated", "thread/token_usage/updated", "thread/token-usage/updated":
		return true
	}
	return false
}

// onConnected: 运行时宣告就绪。只记录并收敛粘性限额缓存,
// 不主动发起额外读取。
func (e *Engine) onConnected(workspaceID string, params map[string]any) {
	logger.Infow("app-server 会话就绪", logger.FieldWorkspaceID, workspaceID)
	if e.sticky != nil && e.registry != nil {
		e.sticky.Prune(context.Background(), e.registry.WorkspaceIDs())
	}
	_ = params
}

// markActivity 记录线程最近活动时间 (内存 + 持久缓存)。
func (e *Engine) markActivity(workspaceID, threadID string) {
	now := time.Now().UnixMilli()
	e.store.SetThreadTimestamp(threadID, now)
	if e.cache != nil && workspaceID != "" {
		e.cache.SetThreadActivity(context.Background(), workspaceID, threadID, now)
	}
}

func (e *Engine) client(workspaceID string) (*appserver.Client, bool) {
	if e.registry == nil {
		return nil, false
	}
	return e.registry.Get(workspaceID)
}

// ensureThread 保证线程壳存在 (事件先于列表同步到达的情况)。
func (e *Engine) ensureThread(workspaceID, threadID string) {
	e.store.UpsertThread(threadstore.Thread{ID: threadID, WorkspaceID: workspaceID})
}
