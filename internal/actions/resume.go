// resume.go — 线程恢复: 拉取权威历史并与本地副本调和。
package actions

import (
	"context"
	"runtime"
	"time"

	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/pkg/errors"
	"github.com/codexmonitor/threadsync/pkg/logger"
	"github.com/codexmonitor/threadsync/pkg/util"
)

// ResumeOptions 控制恢复行为。
type ResumeOptions struct {
	Force        bool // 跳过全部短路判断
	ReplaceLocal bool // 用远端历史整体替换本地
}

// Resume 拉取线程权威历史。幂等: 已加载/有本地项/回合进行中
// 且未强制时直接返回。
func (m *Manager) Resume(ctx context.Context, workspaceID, threadID string, opts ResumeOptions) error {
	if threadID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "Actions.Resume", "empty thread id")
	}

	thread, known := m.store.Thread(threadID)
	if !opts.Force && known && thread.Loaded {
		return nil
	}
	localCount := m.store.ItemCount(threadID)
	if !opts.Force && localCount > 0 && !opts.ReplaceLocal {
		m.store.MarkLoaded(threadID)
		return nil
	}
	if !opts.Force && m.store.Status(threadID).IsProcessing {
		logger.Debugw("回合进行中, 跳过 resume",
			logger.FieldWorkspaceID, workspaceID, logger.FieldThreadID, threadID)
		return nil
	}

	client, err := m.client(workspaceID, "Actions.Resume")
	if err != nil {
		return err
	}

	replace := opts.ReplaceLocal || m.takeReplaceOnResume(threadID)

	// 历史流: 已知会话文件路径时让运行时直接推送增量,
	// 本地副本整体让位给流式重放。
	var streamID string
	if m.opts.StreamHistory {
		if path := m.threadPath(threadID); path != "" {
			streamID, err = client.HistoryStreamStart(ctx, threadID, path)
			if err != nil {
				logger.Warnw("历史流启动失败, 回退整体拉取",
					logger.FieldThreadID, threadID, logger.FieldError, err)
			} else {
				replace = true
				defer func() {
					if stopErr := client.HistoryStreamStop(context.Background(), streamID); stopErr != nil {
						logger.Warnw("历史流停止失败",
							logger.FieldStreamID, streamID, logger.FieldError, stopErr)
					}
				}()
			}
		}
	}

	started := time.Now()
	remote, err := client.ThreadResume(ctx, threadID)
	if err != nil {
		return errors.Wrap(err, "Actions.Resume", "thread/resume rpc failed")
	}
	logger.Debugw("thread/resume 完成",
		logger.FieldThreadID, threadID,
		logger.FieldDurationMS, time.Since(started).Milliseconds())
	if remote == nil {
		return nil
	}

	m.ensureThread(workspaceID, threadID)

	// 用量优先取 resume 载荷; 缺失时旁路拉一次权威值。
	if usage, ok := normalize.TokenUsageFromThread(remote); ok {
		m.store.SetTokenUsage(threadID, usage)
	} else {
		util.SafeGo(func() {
			m.RefreshTokenUsage(context.Background(), workspaceID, threadID)
		})
	}

	if path, ok := normalize.FirstString(remote, "path"); ok {
		m.rememberThreadPath(threadID, path)
	}

	localItems := m.store.ItemsByThread(threadID)
	// resume 请求发出后本地可能又落了新项; 不替换时保留本地。
	if len(localItems) > 0 && !replace {
		m.store.MarkLoaded(threadID)
		return nil
	}

	remoteItems := convertThreadItems(remote)
	merged := reconcileItems(remoteItems, localItems, replace)
	m.writeItemsInBatches(threadID, merged)

	m.store.SetReviewing(threadID, reviewingFromItems(merged))

	preview := previewFromThread(remote)
	if preview != "" && m.customName(ctx, workspaceID, threadID) == "" {
		m.store.SetThreadName(threadID, previewThreadName(preview, fallbackThreadName(threadID), m.opts.PreviewNameMax))
	}

	lastText := util.FirstNonEmpty(lastAgentText(merged), preview)
	if lastText != "" {
		m.store.SetLastAgentMessage(threadID, lastText)
	}
	if ts := threadTimestamp(remote); ts > 0 {
		m.store.SetThreadTimestamp(threadID, ts)
	}

	m.store.MarkLoaded(threadID)
	return nil
}

// Refresh 强制重拉线程历史并整体替换本地副本。
func (m *Manager) Refresh(ctx context.Context, workspaceID, threadID string) error {
	return m.Resume(ctx, workspaceID, threadID, ResumeOptions{Force: true, ReplaceLocal: true})
}

// RefreshTokenUsage 直接向运行时读取 token 用量。
func (m *Manager) RefreshTokenUsage(ctx context.Context, workspaceID, threadID string) {
	client, err := m.client(workspaceID, "Actions.RefreshTokenUsage")
	if err != nil {
		return
	}
	result, err := client.ThreadTokenUsage(ctx, threadID)
	if err != nil {
		logger.Warnw("token 用量读取失败",
			logger.FieldThreadID, threadID, logger.FieldError, err)
		return
	}
	if usage, ok := normalize.TokenUsageFromParams(result); ok {
		m.store.SetTokenUsage(threadID, usage)
	}
}

func (m *Manager) customName(ctx context.Context, workspaceID, threadID string) string {
	if m.cache == nil {
		return ""
	}
	return m.cache.CustomName(ctx, workspaceID, threadID)
}

// writeItemsInBatches 分块写入, 块间让出调度器,
// 避免超长历史一次性压住其他读者。
func (m *Manager) writeItemsInBatches(threadID string, items []normalize.Item) {
	batch := m.opts.HistoryBatchSize
	if len(items) == 0 {
		m.store.ReplaceThreadItems(threadID, nil)
		return
	}
	for start := 0; start < len(items); start += batch {
		end := start + batch
		if end > len(items) {
			end = len(items)
		}
		if start == 0 {
			m.store.ReplaceThreadItems(threadID, items[start:end])
		} else {
			m.store.AppendItems(threadID, items[start:end])
		}
		if end < len(items) {
			runtime.Gosched()
		}
	}
}

// convertThreadItems 把 resume 载荷的 turns→items 压平并归一化。
func convertThreadItems(thread map[string]any) []normalize.Item {
	raw := normalize.FlattenTurnItems(thread)
	out := make([]normalize.Item, 0, len(raw))
	for _, payload := range raw {
		if item, ok := normalize.ItemFromPayload(payload); ok {
			out = append(out, item)
		}
	}
	return out
}

// reconcileItems 远端与本地历史的调和规则:
//   - 远端为空 → 保留本地 (即使要求替换, 空历史不清本地);
//   - 替换模式或本地为空 → 远端全量;
//   - 两边无任何共同 id → 保留本地 (两段不相关历史, 不硬拼);
//   - 有重叠 → 远端为基底, 本地独有项按原序补在尾部。
func reconcileItems(remote, local []normalize.Item, replace bool) []normalize.Item {
	if len(remote) == 0 {
		return local
	}
	if replace || len(local) == 0 {
		return remote
	}
	remoteIDs := make(map[string]struct{}, len(remote))
	for _, item := range remote {
		remoteIDs[item.ID] = struct{}{}
	}
	overlap := false
	for _, item := range local {
		if _, ok := remoteIDs[item.ID]; ok {
			overlap = true
			break
		}
	}
	if !overlap {
		return local
	}
	merged := make([]normalize.Item, 0, len(remote)+len(local))
	merged = append(merged, remote...)
	for _, item := range local {
		if _, ok := remoteIDs[item.ID]; !ok {
			merged = append(merged, item)
		}
	}
	return merged
}

// reviewingFromItems 由最后一个 review 标记判定当前是否在 review 模式。
func reviewingFromItems(items []normalize.Item) bool {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind != normalize.ItemKindReview {
			continue
		}
		rawType, _ := normalize.FirstString(items[i].Payload, "type", "item_type", "itemType")
		return rawType == "enteredReviewMode" || rawType == "entered_review_mode"
	}
	return false
}

func lastAgentText(items []normalize.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Kind == normalize.ItemKindMessage && item.Role == "assistant" && item.Text != "" {
			return item.Text
		}
	}
	return ""
}

func previewFromThread(thread map[string]any) string {
	preview, _ := normalize.FirstString(thread, "preview", "title", "snippet")
	return preview
}

// previewThreadName 预览文本截到上限作线程名, 空预览用兜底名。
func previewThreadName(preview, fallback string, maxRunes int) string {
	if preview == "" {
		return fallback
	}
	return util.TruncateRunes(preview, maxRunes)
}

// threadTimestamp 线程条目的活动时间戳 (unix 毫秒), 取已知字段最大值。
func threadTimestamp(thread map[string]any) int64 {
	var best int64
	for _, key := range []string{
		"updatedAt", "updated_at",
		"serverCreatedAt", "server_created_at",
		"createdAt", "created_at",
		"timestamp",
	} {
		if v, ok := thread[key]; ok {
			if n, ok := normalize.IntValue(v); ok && int64(n) > best {
				best = int64(n)
			}
		}
	}
	return best
}
