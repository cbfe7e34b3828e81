// handlers_item.go — item 级事件: 流式增量、完成、终端交互。
package engine

import (
	"strings"
	"time"

	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/pkg/logger"
)

// onAgentMessageDelta 合并流式文本并整体写回, 保证重放幂等。
func (e *Engine) onAgentMessageDelta(workspaceID, threadID, itemID, delta string) {
	e.ensureThread(workspaceID, threadID)
	e.store.MarkProcessing(threadID, true)

	key := bufferKey(threadID, itemID)
	e.mu.Lock()
	merged := MergeDelta(e.deltaBuffers[key], delta)
	e.deltaBuffers[key] = merged
	e.mu.Unlock()

	e.store.SetItemText(threadID, itemID, normalize.ItemKindMessage, "assistant", merged)
}

// onItemUpdate 处理 item/started 与 item/completed 的统一落库。
func (e *Engine) onItemUpdate(workspaceID, threadID string, payload map[string]any, markProcessing bool) {
	e.ensureThread(workspaceID, threadID)
	if markProcessing {
		e.store.MarkProcessing(threadID, true)
	}

	rawType, _ := normalize.FirstString(payload, "type", "item_type", "itemType")
	switch rawType {
	case "enteredReviewMode", "entered_review_mode":
		e.store.SetReviewing(threadID, true)
	case "exitedReviewMode", "exited_review_mode":
		e.store.SetReviewing(threadID, false)
		e.store.MarkProcessing(threadID, false)
	}

	item, ok := normalize.ItemFromPayload(payload)
	if !ok {
		return
	}
	e.store.UpsertItem(threadID, item)
	if item.Kind == normalize.ItemKindMessage && item.Role == "user" && item.Text != "" {
		e.bridge.Send(BridgeCommand{
			Type:        "thread-message",
			WorkspaceID: workspaceID,
			ThreadID:    threadID,
			Role:        "user",
			Content:     item.Text,
		})
	}
	e.markActivity(workspaceID, threadID)
}

// onToolOutputDelta 追加命令/文件变更输出片段。
func (e *Engine) onToolOutputDelta(threadID, itemID string, kind normalize.ItemKind, delta string) {
	e.store.MarkProcessing(threadID, true)
	e.store.AppendItemText(threadID, itemID, kind, delta)
}

// onTerminalInteraction 把用户 stdin 回显进命令输出, 带显式标记。
func (e *Engine) onTerminalInteraction(threadID, itemID, stdin string) {
	normalized := strings.ReplaceAll(stdin, "\r\n", "\n")
	suffix := ""
	if !strings.HasSuffix(normalized, "\n") {
		suffix = "\n"
	}
	e.onToolOutputDelta(threadID, itemID, normalize.ItemKindCommand, "\n[stdin]\n"+normalized+suffix)
}

// handleAgentCompletion 收敛 agentMessage 的最终文本。
// 同一 item 的完成事件可能沿多条方法到达, 只消费一次。
func (e *Engine) handleAgentCompletion(workspaceID, threadID string, item map[string]any) {
	itemID, _ := normalize.FirstString(item, "id", "itemId", "item_id")
	if itemID == "" {
		return
	}
	key := bufferKey(threadID, itemID)

	e.mu.Lock()
	if _, seen := e.completedAgentItems[key]; seen {
		e.mu.Unlock()
		return
	}
	buffered := e.deltaBuffers[key]
	e.mu.Unlock()

	text := normalize.AgentMessageText(item)
	if text == "" {
		text = buffered
	}
	if text == "" {
		logger.Debugw("agent 消息完成但无文本, 跳过",
			logger.FieldThreadID, threadID, logger.FieldItemID, itemID)
		return
	}

	e.mu.Lock()
	e.completedAgentItems[key] = struct{}{}
	delete(e.deltaBuffers, key)
	e.mu.Unlock()

	e.ensureThread(workspaceID, threadID)
	e.store.UpsertItem(threadID, normalize.Item{
		ID:          itemID,
		Kind:        normalize.ItemKindMessage,
		Role:        "assistant",
		Text:        text,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	})
	e.store.SetLastAgentMessage(threadID, text)
	e.markActivity(workspaceID, threadID)
	if e.store.ActiveThreadID() != threadID {
		e.store.MarkUnread(threadID)
	}
	e.bridge.Send(BridgeCommand{
		Type:        "thread-message",
		WorkspaceID: workspaceID,
		ThreadID:    threadID,
		Role:        "assistant",
		Content:     text,
	})
}
