// store.go — 规范化线程状态容器 (reducer 风格)。
//
// 所有跨组件通信都经由这里的 Apply* 方法; 每次调用持锁完成一次
// 原子归约, 等价于单线程 dispatch。除本容器外任何组件不得持有
// 可变规范状态。
package threadstore

import (
	"sync"
	"time"

	"github.com/codexmonitor/threadsync/internal/normalize"
)

// Store 规范化状态容器。唯一允许修改规范状态的组件。
type Store struct {
	mu  sync.RWMutex
	seq int64 // 每次成功变更递增, 供测试/调试观察

	activeThreadID        string
	threadsByID           map[string]*Thread
	itemsByThread         map[string][]normalize.Item
	itemIndexByThread     map[string]map[string]int // threadID → itemID → 下标
	statusByThread        map[string]*ThreadStatus
	tokenUsageByThread    map[string]normalize.TokenUsage
	rateLimitsByWorkspace map[string]normalize.RateLimitSnapshot
	planByThread          map[string]normalize.PlanUpdate
	diffByThread          map[string]string
	pendingApprovals      map[string]ApprovalRequest
	pendingUserInputs     map[string]UserInputRequest
	cursorByWorkspace     map[string]string
}

// New 创建空状态容器。
func New() *Store {
	return &Store{
		threadsByID:           make(map[string]*Thread),
		itemsByThread:         make(map[string][]normalize.Item),
		itemIndexByThread:     make(map[string]map[string]int),
		statusByThread:        make(map[string]*ThreadStatus),
		tokenUsageByThread:    make(map[string]normalize.TokenUsage),
		rateLimitsByWorkspace: make(map[string]normalize.RateLimitSnapshot),
		planByThread:          make(map[string]normalize.PlanUpdate),
		diffByThread:          make(map[string]string),
		pendingApprovals:      make(map[string]ApprovalRequest),
		pendingUserInputs:     make(map[string]UserInputRequest),
		cursorByWorkspace:     make(map[string]string),
	}
}

// Seq 返回变更序号 (测试用)。
func (s *Store) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// ========================================
// 线程生命周期
// ========================================

// UpsertThread 新建或合并线程元数据。
// 传入的零值字段不覆盖已有内容 (名称/预览等只增不减)。
func (s *Store) UpsertThread(t Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.ensureThreadLocked(t.ID, t.WorkspaceID)
	if t.Name != "" {
		existing.Name = t.Name
	}
	if t.WorkspaceID != "" {
		existing.WorkspaceID = t.WorkspaceID
	}
	if t.ParentThreadID != "" {
		existing.ParentThreadID = t.ParentThreadID
	}
	if t.Preview != "" {
		existing.Preview = t.Preview
	}
	if t.LastAgentMessage != "" {
		existing.LastAgentMessage = t.LastAgentMessage
	}
	if t.UpdatedAt > existing.UpdatedAt {
		existing.UpdatedAt = t.UpdatedAt
	}
	if t.Loaded {
		existing.Loaded = true
	}
	s.seq++
}

// RemoveThread 删除线程及其全部关联状态 (archive 成功后调用)。
func (s *Store) RemoveThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threadsByID, threadID)
	delete(s.itemsByThread, threadID)
	delete(s.itemIndexByThread, threadID)
	delete(s.statusByThread, threadID)
	delete(s.tokenUsageByThread, threadID)
	delete(s.planByThread, threadID)
	delete(s.diffByThread, threadID)
	if s.activeThreadID == threadID {
		s.activeThreadID = ""
	}
	s.seq++
}

// MarkLoaded 标记线程已完成一次权威 resume。
func (s *Store) MarkLoaded(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "").Loaded = true
	s.seq++
}

// SetThreadName 设置显示名。
func (s *Store) SetThreadName(threadID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "").Name = name
	s.seq++
}

// SetThreadTimestamp 推进线程活动时间戳 (unix 毫秒), 只增不减。
func (s *Store) SetThreadTimestamp(threadID string, updatedAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.ensureThreadLocked(threadID, "")
	if updatedAt > t.UpdatedAt {
		t.UpdatedAt = updatedAt
	}
	s.seq++
}

// SetLastAgentMessage 记录最近一条 assistant 消息文本。
func (s *Store) SetLastAgentMessage(threadID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "").LastAgentMessage = text
	s.seq++
}

// MarkUnread 标记未读 (非活动线程收到 agent 消息时)。
func (s *Store) MarkUnread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "").IsUnread = true
	s.seq++
}

// ClearUnread 清除未读标记。
func (s *Store) ClearUnread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "").IsUnread = false
	s.seq++
}

// SetPinned 设置置顶标记。零值语义与 UpsertThread 冲突, 置顶只走这里。
func (s *Store) SetPinned(threadID string, pinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "").Pinned = pinned
	s.seq++
}

// SetActiveThread 切换活动线程并清除其未读标记。
func (s *Store) SetActiveThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeThreadID = threadID
	if threadID != "" {
		if t, ok := s.threadsByID[threadID]; ok {
			t.IsUnread = false
		}
	}
	s.seq++
}

// ========================================
// Item 归约
// ========================================

// ReplaceThreadItems 整体替换线程的 item 集合 (forced resume)。
func (s *Store) ReplaceThreadItems(threadID string, items []normalize.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "")
	s.itemsByThread[threadID] = nil
	s.itemIndexByThread[threadID] = make(map[string]int, len(items))
	for _, item := range items {
		s.upsertItemLocked(threadID, item)
	}
	s.seq++
}

// UpsertItem 按 id 幂等更新单个 item。
// 内容未变化时为 no-op (幂等性: 重复投递同一更新不产生变更)。
func (s *Store) UpsertItem(threadID string, item normalize.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "")
	if s.upsertItemLocked(threadID, item) {
		s.seq++
	}
}

// AppendItems 批量 upsert (分块合并的每一批走这里)。
func (s *Store) AppendItems(threadID string, items []normalize.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "")
	changed := false
	for _, item := range items {
		if s.upsertItemLocked(threadID, item) {
			changed = true
		}
	}
	if changed {
		s.seq++
	}
}

// AppendItemText 向既有 item 追加文本 (命令输出/文件变更增量)。
// item 不存在时按给定 kind 创建。
func (s *Store) AppendItemText(threadID, itemID string, kind normalize.ItemKind, chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "")
	index := s.itemIndexByThread[threadID]
	if pos, ok := index[itemID]; ok {
		s.itemsByThread[threadID][pos].Text += chunk
	} else {
		s.upsertItemLocked(threadID, normalize.Item{ID: itemID, Kind: kind, Text: chunk})
	}
	s.seq++
}

// SetItemText 整体覆盖 item 文本 (流式增量在引擎侧合并后写回)。
// item 不存在时按给定 kind 创建。
func (s *Store) SetItemText(threadID, itemID string, kind normalize.ItemKind, role, text string) {
	if itemID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "")
	index := s.itemIndexByThread[threadID]
	if pos, ok := index[itemID]; ok {
		item := &s.itemsByThread[threadID][pos]
		if item.Text == text {
			return
		}
		item.Text = text
		if role != "" {
			item.Role = role
		}
	} else {
		s.upsertItemLocked(threadID, normalize.Item{ID: itemID, Kind: kind, Role: role, Text: text})
	}
	s.seq++
}

// upsertItemLocked 返回状态是否发生变化。调用方必须已持写锁。
func (s *Store) upsertItemLocked(threadID string, item normalize.Item) bool {
	index, ok := s.itemIndexByThread[threadID]
	if !ok {
		index = make(map[string]int)
		s.itemIndexByThread[threadID] = index
	}
	if item.ID != "" {
		if pos, ok := index[item.ID]; ok {
			existing := s.itemsByThread[threadID][pos]
			if itemEqualLocked(existing, item) {
				return false
			}
			// 合并偏向可见内容: 来件缺失的字段保留本地已有值
			if item.Text == "" && existing.Text != "" {
				item.Text = existing.Text
			}
			if item.CreatedAt == "" {
				item.CreatedAt = existing.CreatedAt
			}
			if item.CompletedAt == "" {
				item.CompletedAt = existing.CompletedAt
			}
			if itemEqualLocked(existing, item) {
				return false
			}
			s.itemsByThread[threadID][pos] = item
			return true
		}
	}
	s.itemsByThread[threadID] = append(s.itemsByThread[threadID], item)
	if item.ID != "" {
		index[item.ID] = len(s.itemsByThread[threadID]) - 1
	}
	return true
}

// itemEqualLocked 判定两个 item 内容等价 (幂等性判断依据)。
func itemEqualLocked(a, b normalize.Item) bool {
	return a.ID == b.ID &&
		a.Kind == b.Kind &&
		a.Role == b.Role &&
		a.Text == b.Text &&
		a.CompletedAt == b.CompletedAt
}

// ========================================
// 状态标志
// ========================================

// MarkProcessing 设置回合进行中标志。
func (s *Store) MarkProcessing(threadID string, processing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStatusLocked(threadID).IsProcessing = processing
	s.seq++
}

// SetReviewing 设置 review 模式标志。
func (s *Store) SetReviewing(threadID string, reviewing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStatusLocked(threadID).IsReviewing = reviewing
	s.seq++
}

// SetActiveTurn 记录当前回合 id (每线程最多一个)。
func (s *Store) SetActiveTurn(threadID, turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStatusLocked(threadID).ActiveTurnID = turnID
	s.seq++
}

// ClearActiveTurn 清除当前回合 id。
func (s *Store) ClearActiveTurn(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureStatusLocked(threadID).ActiveTurnID = ""
	s.seq++
}

// ResetStatus 回合失败 (不重试) 时清空全部状态标志。
func (s *Store) ResetStatus(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStatusLocked(threadID)
	st.IsProcessing = false
	st.IsReviewing = false
	st.ActiveTurnID = ""
	s.seq++
}

// ========================================
// 用量 / 限流 / 计划
// ========================================

// SetTokenUsage 更新线程 token 用量。零值荷载忽略。
func (s *Store) SetTokenUsage(threadID string, usage normalize.TokenUsage) {
	if usage.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// 窗口大小缺失时沿用旧值, 避免百分比闪烁
	if usage.ContextWindowTokens == 0 {
		usage.ContextWindowTokens = s.tokenUsageByThread[threadID].ContextWindowTokens
	}
	s.tokenUsageByThread[threadID] = usage
	s.seq++
}

// SetRateLimits 更新工作区限流快照 (空快照忽略, 粘性策略见 cache 包)。
func (s *Store) SetRateLimits(workspaceID string, snap normalize.RateLimitSnapshot) {
	if snap.IsEmpty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitsByWorkspace[workspaceID] = snap
	s.seq++
}

// RemoveRateLimits 工作区离开活动集时清除其限流快照。
func (s *Store) RemoveRateLimits(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rateLimitsByWorkspace, workspaceID)
	s.seq++
}

// SetPlan 整体替换线程计划 (不合并)。
func (s *Store) SetPlan(threadID string, plan normalize.PlanUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planByThread[threadID] = plan
	s.seq++
}

// ========================================
// 审批 / 用户输入
// ========================================

// SetDiff 覆盖线程当前回合的聚合 diff。
func (s *Store) SetDiff(threadID, diff string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureThreadLocked(threadID, "")
	if s.diffByThread[threadID] == diff {
		return
	}
	s.diffByThread[threadID] = diff
	s.seq++
}

// AddApproval 记录待裁决审批请求。
func (s *Store) AddApproval(req ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ReceivedAt == 0 {
		req.ReceivedAt = time.Now().UnixMilli()
	}
	s.pendingApprovals[req.RequestID] = req
	s.seq++
}

// ResolveApproval 取出并删除审批请求。
func (s *Store) ResolveApproval(requestID string) (ApprovalRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pendingApprovals[requestID]
	if ok {
		delete(s.pendingApprovals, requestID)
		s.seq++
	}
	return req, ok
}

// AddUserInputRequest 记录待回答的用户输入请求。
func (s *Store) AddUserInputRequest(req UserInputRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ReceivedAt == 0 {
		req.ReceivedAt = time.Now().UnixMilli()
	}
	s.pendingUserInputs[req.RequestID] = req
	s.seq++
}

// ResolveUserInputRequest 取出并删除用户输入请求。
func (s *Store) ResolveUserInputRequest(requestID string) (UserInputRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pendingUserInputs[requestID]
	if ok {
		delete(s.pendingUserInputs, requestID)
		s.seq++
	}
	return req, ok
}

// ========================================
// 分页游标
// ========================================

// SetCursor 记录工作区的分页续传游标 (空串表示尚未翻页)。
func (s *Store) SetCursor(workspaceID, cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursorByWorkspace[workspaceID] = cursor
	s.seq++
}

// ========================================
// 内部助手 (Locked 后缀: 调用方必须已持写锁)
// ========================================

func (s *Store) ensureThreadLocked(threadID, workspaceID string) *Thread {
	t, ok := s.threadsByID[threadID]
	if !ok {
		t = &Thread{ID: threadID, WorkspaceID: workspaceID}
		s.threadsByID[threadID] = t
	}
	return t
}

func (s *Store) ensureStatusLocked(threadID string) *ThreadStatus {
	st, ok := s.statusByThread[threadID]
	if !ok {
		st = &ThreadStatus{}
		s.statusByThread[threadID] = st
	}
	return st
}
