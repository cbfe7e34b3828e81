// selectors.go — 只读选择器。全部返回深拷贝, 调用方可自由持有。
package threadstore

import (
	"sort"

	"github.com/codexmonitor/threadsync/internal/normalize"
)

// Thread 按 id 查询线程。
func (s *Store) Thread(threadID string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threadsByID[threadID]
	if !ok {
		return Thread{}, false
	}
	return *t, true
}

// ActiveThreadID 当前活动线程 id。
func (s *Store) ActiveThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeThreadID
}

// WorkspaceIDForThread 线程所属工作区。
func (s *Store) WorkspaceIDForThread(threadID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.threadsByID[threadID]; ok {
		return t.WorkspaceID
	}
	return ""
}

// ThreadsForWorkspace 工作区内全部线程: 置顶在前, 其后按活动时间倒序。
func (s *Store) ThreadsForWorkspace(workspaceID string) []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var threads []Thread
	for _, t := range s.threadsByID {
		if t.WorkspaceID == workspaceID {
			threads = append(threads, *t)
		}
	}
	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].Pinned != threads[j].Pinned {
			return threads[i].Pinned
		}
		if threads[i].UpdatedAt != threads[j].UpdatedAt {
			return threads[i].UpdatedAt > threads[j].UpdatedAt
		}
		return threads[i].ID < threads[j].ID
	})
	return threads
}

// ItemsByThread 线程的全部 item (深拷贝)。
func (s *Store) ItemsByThread(threadID string) []normalize.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItems(s.itemsByThread[threadID])
}

// ItemCount 线程当前 item 数 (merge 决策与回归保护用)。
func (s *Store) ItemCount(threadID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.itemsByThread[threadID])
}

// Item 按 id 查询线程内单个 item。
func (s *Store) Item(threadID, itemID string) (normalize.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index, ok := s.itemIndexByThread[threadID]
	if !ok {
		return normalize.Item{}, false
	}
	pos, ok := index[itemID]
	if !ok {
		return normalize.Item{}, false
	}
	return cloneItem(s.itemsByThread[threadID][pos]), true
}

// Status 线程运行状态。
func (s *Store) Status(threadID string) ThreadStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statusByThread[threadID]; ok {
		return *st
	}
	return ThreadStatus{}
}

// ActiveTurnID 线程当前回合 id。
func (s *Store) ActiveTurnID(threadID string) string {
	return s.Status(threadID).ActiveTurnID
}

// TokenUsage 线程 token 用量。
func (s *Store) TokenUsage(threadID string) normalize.TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenUsageByThread[threadID]
}

// RateLimits 工作区限流快照 (store 内的活值, 粘性回退在 cache 层)。
func (s *Store) RateLimits(workspaceID string) (normalize.RateLimitSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.rateLimitsByWorkspace[workspaceID]
	return snap, ok
}

// Plan 线程当前计划。
func (s *Store) Plan(threadID string) (normalize.PlanUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.planByThread[threadID]
	return plan, ok
}

// Diff 线程当前回合的聚合 diff。
func (s *Store) Diff(threadID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diffByThread[threadID]
}

// PendingApprovals 全部待裁决审批 (按接收顺序无保证)。
func (s *Store) PendingApprovals() []ApprovalRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ApprovalRequest, 0, len(s.pendingApprovals))
	for _, req := range s.pendingApprovals {
		out = append(out, req)
	}
	return out
}

// PendingUserInputs 全部待回答输入请求。
func (s *Store) PendingUserInputs() []UserInputRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserInputRequest, 0, len(s.pendingUserInputs))
	for _, req := range s.pendingUserInputs {
		out = append(out, req)
	}
	return out
}

// Cursor 工作区分页游标。
func (s *Store) Cursor(workspaceID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursorByWorkspace[workspaceID]
}

// Snapshot 全量深拷贝快照 (dashboard / 测试)。
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ActiveThreadID:        s.activeThreadID,
		ThreadsByID:           make(map[string]Thread, len(s.threadsByID)),
		ItemsByThread:         make(map[string][]normalize.Item, len(s.itemsByThread)),
		StatusByThread:        make(map[string]ThreadStatus, len(s.statusByThread)),
		TokenUsageByThread:    make(map[string]normalize.TokenUsage, len(s.tokenUsageByThread)),
		RateLimitsByWorkspace: make(map[string]normalize.RateLimitSnapshot, len(s.rateLimitsByWorkspace)),
		PlanByThread:          make(map[string]normalize.PlanUpdate, len(s.planByThread)),
		DiffByThread:          make(map[string]string, len(s.diffByThread)),
		PendingApprovals:      make(map[string]ApprovalRequest, len(s.pendingApprovals)),
		PendingUserInputs:     make(map[string]UserInputRequest, len(s.pendingUserInputs)),
		CursorByWorkspace:     make(map[string]string, len(s.cursorByWorkspace)),
	}
	for id, t := range s.threadsByID {
		snap.ThreadsByID[id] = *t
	}
	for id, items := range s.itemsByThread {
		snap.ItemsByThread[id] = cloneItems(items)
	}
	for id, st := range s.statusByThread {
		snap.StatusByThread[id] = *st
	}
	for id, usage := range s.tokenUsageByThread {
		snap.TokenUsageByThread[id] = usage
	}
	for id, limits := range s.rateLimitsByWorkspace {
		snap.RateLimitsByWorkspace[id] = limits
	}
	for id, plan := range s.planByThread {
		snap.PlanByThread[id] = plan
	}
	for id, diff := range s.diffByThread {
		snap.DiffByThread[id] = diff
	}
	for id, req := range s.pendingApprovals {
		snap.PendingApprovals[id] = req
	}
	for id, req := range s.pendingUserInputs {
		snap.PendingUserInputs[id] = req
	}
	for id, cursor := range s.cursorByWorkspace {
		snap.CursorByWorkspace[id] = cursor
	}
	return snap
}

// ========================================
// 拷贝助手
// ========================================

func cloneItems(items []normalize.Item) []normalize.Item {
	if items == nil {
		return nil
	}
	out := make([]normalize.Item, len(items))
	for i, item := range items {
		out[i] = cloneItem(item)
	}
	return out
}

func cloneItem(item normalize.Item) normalize.Item {
	if item.Payload != nil {
		payload := make(map[string]any, len(item.Payload))
		for k, v := range item.Payload {
			payload[k] = v
		}
		item.Payload = payload
	}
	return item
}
