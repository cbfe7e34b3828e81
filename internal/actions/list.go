// list.go — 工作区线程列表同步与向后翻页。
package actions

import (
	"context"
	"sort"
	"strconv"

	"github.com/codexmonitor/threadsync/internal/appserver"
	"github.com/codexmonitor/threadsync/internal/cache"
	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/internal/threadstore"
	"github.com/codexmonitor/threadsync/pkg/errors"
	"github.com/codexmonitor/threadsync/pkg/logger"
)

// ListThreadsForWorkspace 全量同步工作区线程列表。
//
// 远端列表不带工作区过滤, 按 cwd 根路径在本地匹配。同工作区的并发
// 调用合并为一次拉取; 零匹配时保留既有缓存不清空。
func (m *Manager) ListThreadsForWorkspace(ctx context.Context, workspaceID, workspacePath string) ([]threadstore.Thread, error) {
	if done, leader := m.acquireList(workspaceID); !leader {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "Actions.ListThreads", "canceled while waiting for in-flight list")
		}
		return m.store.ThreadsForWorkspace(workspaceID), nil
	}
	defer m.releaseList(workspaceID)

	rootPath := normalize.RootPath(workspacePath)

	// 先用持久缓存占位, 远端响应前列表不空白。
	m.seedFromCache(ctx, workspaceID)

	client, err := m.client(workspaceID, "Actions.ListThreads")
	if err != nil {
		return m.store.ThreadsForWorkspace(workspaceID), err
	}

	entries, nextCursor, err := m.fetchMatchingPages(ctx, client, rootPath, "")
	if err != nil {
		logger.Warnw("thread/list 拉取失败, 保留缓存占位",
			logger.FieldWorkspaceID, workspaceID, logger.FieldError, err)
		return m.store.ThreadsForWorkspace(workspaceID), errors.Wrap(err, "Actions.ListThreads", "thread/list rpc failed")
	}

	if len(entries) == 0 {
		// 零匹配不可区分 "确无线程" 与 "服务端索引滞后", 保守保留缓存。
		m.store.SetCursor(workspaceID, nextCursor)
		return m.store.ThreadsForWorkspace(workspaceID), nil
	}

	threads := m.applyListEntries(ctx, workspaceID, entries, 0)
	m.store.SetCursor(workspaceID, nextCursor)
	m.persistSummaries(ctx, workspaceID)
	return threads, nil
}

// LoadOlderThreadsForWorkspace 沿游标继续向后翻页补载更早的线程。
// 连续 MaxPagesWithoutMatch 页无匹配即放弃, 不无界扫描。
func (m *Manager) LoadOlderThreadsForWorkspace(ctx context.Context, workspaceID, workspacePath string) ([]threadstore.Thread, error) {
	cursor := m.store.Cursor(workspaceID)
	if cursor == "" {
		return m.store.ThreadsForWorkspace(workspaceID), nil
	}
	client, err := m.client(workspaceID, "Actions.LoadOlderThreads")
	if err != nil {
		return m.store.ThreadsForWorkspace(workspaceID), err
	}

	rootPath := normalize.RootPath(workspacePath)
	entries, nextCursor, err := m.fetchMatchingPages(ctx, client, rootPath, cursor)
	if err != nil {
		return m.store.ThreadsForWorkspace(workspaceID), errors.Wrap(err, "Actions.LoadOlderThreads", "thread/list rpc failed")
	}

	existingCount := len(m.store.ThreadsForWorkspace(workspaceID))
	threads := m.applyListEntries(ctx, workspaceID, entries, existingCount)
	m.store.SetCursor(workspaceID, nextCursor)
	if len(entries) > 0 {
		m.persistSummaries(ctx, workspaceID)
	}
	return threads, nil
}

func (m *Manager) acquireList(workspaceID string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done, ok := m.listInFlight[workspaceID]; ok {
		return done, false
	}
	done := make(chan struct{})
	m.listInFlight[workspaceID] = done
	return done, true
}

func (m *Manager) releaseList(workspaceID string) {
	m.mu.Lock()
	done := m.listInFlight[workspaceID]
	delete(m.listInFlight, workspaceID)
	m.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (m *Manager) seedFromCache(ctx context.Context, workspaceID string) {
	if m.cache == nil {
		return
	}
	if len(m.store.ThreadsForWorkspace(workspaceID)) > 0 {
		return
	}
	pinned := m.cache.PinnedThreads(ctx, workspaceID)
	for _, summary := range m.cache.ThreadSummaries(ctx, workspaceID) {
		m.store.UpsertThread(threadstore.Thread{
			ID:          summary.ID,
			WorkspaceID: workspaceID,
			Name:        summary.Name,
			UpdatedAt:   summary.UpdatedAt,
		})
		if _, ok := pinned[summary.ID]; ok {
			m.store.SetPinned(summary.ID, true)
		}
	}
}

// fetchMatchingPages 翻页拉取并按根路径过滤, 返回去重后的匹配条目。
// 连续 MaxPagesWithoutMatch 页无匹配即停, 命中会重置计数。
func (m *Manager) fetchMatchingPages(ctx context.Context, client *appserver.Client, rootPath, cursor string) ([]map[string]any, string, error) {
	var matched []map[string]any
	seen := make(map[string]struct{})
	pagesWithoutMatch := 0

	for {
		page, err := client.ThreadListGlobal(ctx, cursor, m.opts.ListPageSize)
		if err != nil {
			return matched, cursor, err
		}
		matchedInPage := 0
		for _, entry := range page.Data {
			id, _ := normalize.FirstString(entry, "id", "threadId", "thread_id")
			if id == "" {
				continue
			}
			if path, ok := normalize.FirstString(entry, "path"); ok {
				m.rememberThreadPath(id, path)
			}
			cwd, _ := normalize.FirstString(entry, "cwd", "workingDirectory", "working_directory")
			if normalize.RootPath(cwd) != rootPath {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			matched = append(matched, entry)
			matchedInPage++
		}
		cursor = page.NextCursor
		if matchedInPage == 0 {
			pagesWithoutMatch++
		} else {
			pagesWithoutMatch = 0
		}
		if pagesWithoutMatch >= m.opts.MaxPagesWithoutMatch {
			return matched, cursor, nil
		}
		if cursor == "" || len(matched) >= m.opts.ListTargetCount {
			return matched, cursor, nil
		}
	}
}

// applyListEntries 把匹配条目落进 store: 活动时间取服务端时间戳与
// 本地缓存活动的较大者, 名称按 自定义 → 预览截断 → "Agent N" 回落。
func (m *Manager) applyListEntries(ctx context.Context, workspaceID string, entries []map[string]any, nameOffset int) []threadstore.Thread {
	var cachedActivity, pinned map[string]int64
	if m.cache != nil {
		cachedActivity = m.cache.ThreadActivity(ctx, workspaceID)
		pinned = m.cache.PinnedThreads(ctx, workspaceID)
	}

	type listEntry struct {
		id       string
		preview  string
		activity int64
	}
	resolved := make([]listEntry, 0, len(entries))
	for _, entry := range entries {
		id, _ := normalize.FirstString(entry, "id", "threadId", "thread_id")
		if id == "" {
			continue
		}
		activity := threadTimestamp(entry)
		if cached := cachedActivity[id]; cached > activity {
			activity = cached
		} else if activity > cached && m.cache != nil {
			m.cache.SetThreadActivity(ctx, workspaceID, id, activity)
		}
		preview, _ := normalize.FirstString(entry, "preview", "title", "snippet")
		resolved = append(resolved, listEntry{id: id, preview: preview, activity: activity})
	}

	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].activity > resolved[j].activity
	})

	for i, entry := range resolved {
		name := m.customName(ctx, workspaceID, entry.id)
		if name == "" {
			name = previewThreadName(entry.preview, "Agent "+strconv.Itoa(nameOffset+i+1), m.opts.PreviewNameMax)
		}
		m.store.UpsertThread(threadstore.Thread{
			ID:          entry.id,
			WorkspaceID: workspaceID,
			Name:        name,
			UpdatedAt:   entry.activity,
		})
		if _, ok := pinned[entry.id]; ok {
			m.store.SetPinned(entry.id, true)
		}
		if entry.preview != "" {
			m.store.SetLastAgentMessage(entry.id, entry.preview)
		}
	}
	return m.store.ThreadsForWorkspace(workspaceID)
}

// persistSummaries 把当前列表快照写回持久缓存 (缓存层自行截断上限)。
func (m *Manager) persistSummaries(ctx context.Context, workspaceID string) {
	if m.cache == nil {
		return
	}
	threads := m.store.ThreadsForWorkspace(workspaceID)
	summaries := make([]cache.ThreadSummary, 0, len(threads))
	for _, t := range threads {
		summaries = append(summaries, cache.ThreadSummary{
			ID:        t.ID,
			Name:      t.Name,
			UpdatedAt: t.UpdatedAt,
		})
	}
	m.cache.SaveThreadSummaries(ctx, workspaceID, summaries)
}
