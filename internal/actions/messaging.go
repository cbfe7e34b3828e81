// messaging.go — 发消息、打断回合、审批/输入裁决。
package actions

import (
	"context"
	"strings"
	"time"

	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/pkg/errors"
	"github.com/codexmonitor/threadsync/pkg/logger"
	"github.com/google/uuid"
)

// SendMessage 向线程发起新回合, 用户消息先行落本地。
func (m *Manager) SendMessage(ctx context.Context, workspaceID, threadID, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return errors.Wrap(errors.ErrInvalidInput, "Actions.SendMessage", "empty message")
	}
	client, err := m.client(workspaceID, "Actions.SendMessage")
	if err != nil {
		return err
	}

	m.ensureThread(workspaceID, threadID)
	m.store.AppendItems(threadID, []normalize.Item{{
		ID:   "local-" + uuid.NewString(),
		Kind: normalize.ItemKindMessage,
		Role: "user",
		Text: trimmed,
	}})
	m.store.MarkProcessing(threadID, true)
	now := time.Now().UnixMilli()
	m.store.SetThreadTimestamp(threadID, now)
	if m.cache != nil {
		m.cache.SetThreadActivity(ctx, workspaceID, threadID, now)
	}

	if err := client.TurnStart(ctx, threadID, trimmed); err != nil {
		m.store.MarkProcessing(threadID, false)
		return errors.Wrap(err, "Actions.SendMessage", "turn/start rpc failed")
	}
	return nil
}

// Interrupt 打断当前回合。回合 id 还未知时 (turn/started 尚未到达)
// 记下中断意图, 由引擎在回合开始瞬间反向打断。
func (m *Manager) Interrupt(ctx context.Context, workspaceID, threadID string) error {
	turnID := m.store.ActiveTurnID(threadID)
	if turnID == "" {
		// 回合仍在跑且中断未裁决, processing 保持不动,
		// 由 turn/completed 或 error 收尾。
		m.engine.MarkInterruptPending(threadID)
		logger.Debugw("回合 id 未知, 中断挂起",
			logger.FieldWorkspaceID, workspaceID, logger.FieldThreadID, threadID)
		return nil
	}

	client, err := m.client(workspaceID, "Actions.Interrupt")
	if err != nil {
		return err
	}
	if err := client.TurnInterrupt(ctx, threadID, turnID); err != nil {
		return errors.Wrap(err, "Actions.Interrupt", "turn/interrupt rpc failed")
	}
	m.store.MarkProcessing(threadID, false)
	m.store.ClearActiveTurn(threadID)
	return nil
}

// SetActiveThread 切换活动线程并确保其历史已加载。
func (m *Manager) SetActiveThread(ctx context.Context, workspaceID, threadID string) error {
	m.store.SetActiveThread(threadID)
	return m.Resume(ctx, workspaceID, threadID, ResumeOptions{})
}

// ResolveApproval 把用户对审批请求的裁决回给运行时。
func (m *Manager) ResolveApproval(requestID, decision string, remember bool) error {
	return m.engine.ResolveApproval(requestID, decision, remember)
}

// SubmitUserInput 把用户对输入请求的回答回给运行时。
func (m *Manager) SubmitUserInput(requestID string, answers map[string]any) error {
	return m.engine.ResolveUserInput(requestID, answers)
}
