// handlers_turn.go — 回合级事件: 启动、完成、错误。
package engine

import (
	"context"
	"time"

	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/pkg/logger"
	"github.com/codexmonitor/threadsync/pkg/util"
	"github.com/google/uuid"
)

// onTurnStarted 处理回合开始。若此前用户在回合 id 未知时请求过中断,
// 立即用新拿到的 turn id 反向中断, 且不把线程标为处理中。
func (e *Engine) onTurnStarted(workspaceID, threadID, turnID string) {
	e.ensureThread(workspaceID, threadID)

	if e.takePendingInterrupt(threadID) {
		if turnID == "" {
			return
		}
		client, ok := e.client(workspaceID)
		if !ok {
			return
		}
		util.SafeGo(func() {
			if err := client.TurnInterrupt(context.Background(), threadID, turnID); err != nil {
				logger.Warnw("挂起中断下发失败",
					logger.FieldThreadID, threadID,
					logger.FieldTurnID, turnID,
					logger.FieldError, err)
			}
		})
		return
	}

	e.store.MarkProcessing(threadID, true)
	if turnID != "" {
		e.store.SetActiveTurn(threadID, turnID)
	}
}

// onTurnCompleted 清理回合状态并收敛最终 agent 消息与用量。
func (e *Engine) onTurnCompleted(workspaceID, threadID string, params map[string]any, usageHandled bool) {
	e.store.MarkProcessing(threadID, false)
	e.store.ClearActiveTurn(threadID)
	e.ClearInterruptPending(threadID)

	// 收尾消息可能只出现在 turn.items 里 (流式增量丢失时的兜底),
	// 从后往前找最后一条 agentMessage。
	if turn, ok := normalize.MapValue(params, "turn"); ok {
		if items, ok := normalize.SliceValue(turn, "items"); ok {
			for i := len(items) - 1; i >= 0; i-- {
				item, ok := items[i].(map[string]any)
				if !ok {
					continue
				}
				rawType, _ := normalize.FirstString(item, "type", "item_type", "itemType")
				if rawType == "agentMessage" || rawType == "agent_message" {
					e.handleAgentCompletion(workspaceID, threadID, item)
					break
				}
			}
		}
	}

	// 完成载荷未附带用量时, 延迟合并一次权威读取。
	if !usageHandled {
		e.usageRefresher.schedule(workspaceID, threadID)
	}
}

// onTurnError 处理回合错误。运行时将自动重试的错误不落状态,
// 终态错误清空运行标志并追加一条可见错误条目。
func (e *Engine) onTurnError(workspaceID, threadID string, params map[string]any) {
	message, _ := normalize.NestedString(params, "error", "message")
	if message == "" {
		message, _ = normalize.FirstString(params, "message")
	}

	willRetry := false
	if v, ok := params["willRetry"]; ok {
		willRetry = normalize.BoolValue(v)
	} else if v, ok := params["will_retry"]; ok {
		willRetry = normalize.BoolValue(v)
	}
	if willRetry {
		logger.Debugw("回合错误将自动重试, 不落状态",
			logger.FieldThreadID, threadID, logger.FieldError, message)
		return
	}
	if threadID == "" {
		logger.Warnw("无线程上下文的回合错误", logger.FieldWorkspaceID, workspaceID, logger.FieldError, message)
		return
	}

	e.ensureThread(workspaceID, threadID)
	e.store.ResetStatus(threadID)
	e.ClearInterruptPending(threadID)

	display := "Turn failed."
	if message != "" {
		display = "Turn failed: " + message
	}
	e.store.AppendItems(threadID, []normalize.Item{{
		ID:          uuid.NewString(),
		Kind:        normalize.ItemKindError,
		Role:        "assistant",
		Text:        display,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}})
	e.markActivity(workspaceID, threadID)
}
