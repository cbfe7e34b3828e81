// types.go — 线程同步引擎的规范化状态类型。
package threadstore

import (
	"github.com/codexmonitor/threadsync/internal/normalize"
)

// Thread 单个会话线程。
//
// Invariant: 同一工作区内 id 唯一; 线程同一时刻只属于一个工作区
// (不支持 re-parent)。
type Thread struct {
	ID               string `json:"id"`
	WorkspaceID      string `json:"workspaceId"`
	Name             string `json:"name"`
	ParentThreadID   string `json:"parentThreadId,omitempty"`
	Preview          string `json:"preview,omitempty"`
	LastAgentMessage string `json:"lastAgentMessage,omitempty"`
	UpdatedAt        int64  `json:"updatedAt"` // unix 毫秒
	IsUnread         bool   `json:"isUnread,omitempty"`
	Pinned           bool   `json:"pinned,omitempty"` // 列表排序置顶优先
	Loaded           bool   `json:"loaded,omitempty"` // resume 已拉取过权威历史
}

// ThreadStatus 线程运行状态。
//
// Invariant: 每线程同一时刻最多一个非空 ActiveTurnID;
// IsProcessing 在回合进行中或 interrupt 挂起期间为 true。
type ThreadStatus struct {
	IsProcessing bool   `json:"isProcessing"`
	IsReviewing  bool   `json:"isReviewing"`
	ActiveTurnID string `json:"activeTurnId,omitempty"`
}

// ApprovalRequest 等待用户裁决的审批请求, 按 request id 索引。
type ApprovalRequest struct {
	RequestID   string         `json:"requestId"`
	WorkspaceID string         `json:"workspaceId"`
	ThreadID    string         `json:"threadId,omitempty"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params,omitempty"`
	ReceivedAt  int64          `json:"receivedAt"`
}

// UserInputRequest 等待用户回答的输入请求。
type UserInputRequest struct {
	RequestID   string         `json:"requestId"`
	WorkspaceID string         `json:"workspaceId"`
	ThreadID    string         `json:"threadId,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	ReceivedAt  int64          `json:"receivedAt"`
}

// Snapshot 全量状态快照 (深拷贝), 供 dashboard 与测试只读消费。
type Snapshot struct {
	ActiveThreadID        string                                   `json:"activeThreadId,omitempty"`
	ThreadsByID           map[string]Thread                        `json:"threadsById"`
	ItemsByThread         map[string][]normalize.Item              `json:"itemsByThread"`
	StatusByThread        map[string]ThreadStatus                  `json:"statusByThread"`
	TokenUsageByThread    map[string]normalize.TokenUsage          `json:"tokenUsageByThread"`
	RateLimitsByWorkspace map[string]normalize.RateLimitSnapshot   `json:"rateLimitsByWorkspace"`
	PlanByThread          map[string]normalize.PlanUpdate          `json:"planByThread"`
	DiffByThread          map[string]string                        `json:"diffByThread"`
	PendingApprovals      map[string]ApprovalRequest               `json:"pendingApprovals"`
	PendingUserInputs     map[string]UserInputRequest              `json:"pendingUserInputs"`
	CursorByWorkspace     map[string]string                        `json:"cursorByWorkspace"`
}
