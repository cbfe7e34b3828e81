// handlers_history.go — 历史分块流: 按 streamId 聚合块并水合本地历史。
package engine

import (
	"github.com/codexmonitor/threadsync/internal/normalize"
)

// historyStreamState 单条历史流的进度。
type historyStreamState struct {
	threadID string
	hydrated bool // 首个非空块已落库 (替换), 后续块走追加
}

// onHistoryChunk 接收一块流式历史。流式重放是权威历史:
// 首块整体替换本地副本, 续块按序追加。
func (e *Engine) onHistoryChunk(workspaceID, threadID, streamID string, rawItems []any) {
	items := make([]normalize.Item, 0, len(rawItems))
	for _, raw := range rawItems {
		payload, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if item, ok := normalize.ItemFromPayload(payload); ok {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return
	}

	e.ensureThread(workspaceID, threadID)

	e.mu.Lock()
	state, ok := e.historyStreams[streamID]
	if !ok {
		state = &historyStreamState{threadID: threadID}
		e.historyStreams[streamID] = state
	}
	first := !state.hydrated
	state.hydrated = true
	e.mu.Unlock()

	if first {
		e.store.ReplaceThreadItems(threadID, items)
	} else {
		e.store.AppendItems(threadID, items)
	}
}

// onHistoryStreamClosed 流结束: 丢弃进度, 已水合的线程标记加载完成。
func (e *Engine) onHistoryStreamClosed(streamID string) {
	e.mu.Lock()
	state, ok := e.historyStreams[streamID]
	delete(e.historyStreams, streamID)
	e.mu.Unlock()
	if ok && state.hydrated {
		e.store.MarkLoaded(state.threadID)
	}
}
