// approvals.go — 审批与用户输入请求: 入队、放行名单、裁决回包。
package engine

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/codexmonitor/threadsync/internal/appserver"
	"github.com/codexmonitor/threadsync/internal/normalize"
	"github.com/codexmonitor/threadsync/internal/threadstore"
	"github.com/codexmonitor/threadsync/pkg/errors"
	"github.com/codexmonitor/threadsync/pkg/logger"
)

// volatileParamKeys 不参与审批签名的请求级字段。
var volatileParamKeys = []string{
	"requestId", "request_id", "callId", "call_id",
	"turnId", "turn_id", "itemId", "item_id",
	"threadId", "thread_id", "conversationId", "conversation_id",
	"timestamp",
}

// approvalSignature 把 (方法, 去除易变字段后的参数) 规约成稳定键,
// 同一命令的重复审批据此自动放行。
func approvalSignature(method string, params map[string]any) string {
	filtered := make(map[string]any, len(params))
	for k, v := range params {
		filtered[k] = v
	}
	for _, k := range volatileParamKeys {
		delete(filtered, k)
	}
	raw, err := json.Marshal(filtered)
	if err != nil {
		return method
	}
	return method + "|" + string(raw)
}

func requestKey(workspaceID string, requestID int64) string {
	return workspaceID + "#" + strconv.FormatInt(requestID, 10)
}

// onApprovalRequest 入队审批; 命中放行名单时直接自动批准。
func (e *Engine) onApprovalRequest(n appserver.Notification, threadID string) {
	requestID := *n.RequestID
	sig := approvalSignature(n.Method, n.Params)

	e.mu.Lock()
	_, allowed := e.allowlist[sig]
	e.mu.Unlock()

	if allowed {
		if client, ok := e.client(n.WorkspaceID); ok {
			if err := client.Respond(requestID, map[string]any{"decision": "approved"}); err != nil {
				logger.Warnw("自动审批回包失败",
					logger.FieldWorkspaceID, n.WorkspaceID,
					logger.FieldRequestID, requestID,
					logger.FieldError, err)
			} else {
				logger.Infow("审批命中放行名单, 已自动批准",
					logger.FieldWorkspaceID, n.WorkspaceID,
					logger.FieldMethod, n.Method,
					logger.FieldRequestID, requestID)
				return
			}
		}
	}

	e.store.AddApproval(threadstore.ApprovalRequest{
		RequestID:   requestKey(n.WorkspaceID, requestID),
		WorkspaceID: n.WorkspaceID,
		ThreadID:    threadID,
		Method:      n.Method,
		Params:      n.Params,
		ReceivedAt:  time.Now().UnixMilli(),
	})
	e.bridge.Send(BridgeCommand{
		Type:        "approval-request",
		WorkspaceID: n.WorkspaceID,
		ThreadID:    threadID,
	})
}

// onUserInputRequest 归一化问题列表后入队。
func (e *Engine) onUserInputRequest(n appserver.Notification, threadID string) {
	params := map[string]any{
		"questions": normalizeQuestions(n.Params),
	}
	e.store.AddUserInputRequest(threadstore.UserInputRequest{
		RequestID:   requestKey(n.WorkspaceID, *n.RequestID),
		WorkspaceID: n.WorkspaceID,
		ThreadID:    threadID,
		Params:      params,
		ReceivedAt:  time.Now().UnixMilli(),
	})
	e.bridge.Send(BridgeCommand{
		Type:        "user-input-request",
		WorkspaceID: n.WorkspaceID,
		ThreadID:    threadID,
	})
}

// normalizeQuestions 把任意形状的问题数组压成稳定结构:
// {id, header, question, isOther, options:[{label, description}]}。
func normalizeQuestions(params map[string]any) []map[string]any {
	raw, ok := normalize.SliceValue(params, "questions")
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, _ := normalize.FirstString(m, "id", "questionId", "question_id")
		if id == "" {
			id = "q" + strconv.Itoa(i)
		}
		header, _ := normalize.FirstString(m, "header", "title")
		question, _ := normalize.FirstString(m, "question", "prompt", "text")
		isOther := false
		if v, ok := m["isOther"]; ok {
			isOther = normalize.BoolValue(v)
		} else if v, ok := m["is_other"]; ok {
			isOther = normalize.BoolValue(v)
		}
		options := []map[string]any{}
		if rawOpts, ok := normalize.SliceValue(m, "options"); ok {
			for _, rawOpt := range rawOpts {
				switch opt := rawOpt.(type) {
				case string:
					options = append(options, map[string]any{"label": opt, "description": ""})
				case map[string]any:
					label, _ := normalize.FirstString(opt, "label", "value", "text")
					desc, _ := normalize.FirstString(opt, "description", "detail")
					if label != "" {
						options = append(options, map[string]any{"label": label, "description": desc})
					}
				}
			}
		}
		out = append(out, map[string]any{
			"id":       id,
			"header":   header,
			"question": question,
			"isOther":  isOther,
			"options":  options,
		})
	}
	return out
}

// ResolveApproval 把用户裁决回给运行时。remember 为真且批准时,
// 同签名的后续请求自动放行。
func (e *Engine) ResolveApproval(requestID string, decision string, remember bool) error {
	req, ok := e.store.ResolveApproval(requestID)
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "Engine.ResolveApproval", "approval request %q not pending", requestID)
	}
	client, ok := e.client(req.WorkspaceID)
	if !ok {
		return errors.Wrapf(errors.ErrNotConnected, "Engine.ResolveApproval", "workspace %q has no app-server session", req.WorkspaceID)
	}

	if remember && decision == "approved" {
		sig := approvalSignature(req.Method, req.Params)
		e.mu.Lock()
		e.allowlist[sig] = struct{}{}
		e.mu.Unlock()
	}

	rpcID, err := parseRequestKey(requestID, req.WorkspaceID, "Engine.ResolveApproval")
	if err != nil {
		return err
	}
	return client.Respond(rpcID, map[string]any{"decision": decision})
}

// ResolveUserInput 把用户答案回给运行时。
func (e *Engine) ResolveUserInput(requestID string, answers map[string]any) error {
	req, ok := e.store.ResolveUserInputRequest(requestID)
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "Engine.ResolveUserInput", "user input request %q not pending", requestID)
	}
	client, ok := e.client(req.WorkspaceID)
	if !ok {
		return errors.Wrapf(errors.ErrNotConnected, "Engine.ResolveUserInput", "workspace %q has no app-server session", req.WorkspaceID)
	}
	rpcID, err := parseRequestKey(requestID, req.WorkspaceID, "Engine.ResolveUserInput")
	if err != nil {
		return err
	}
	return client.Respond(rpcID, map[string]any{"answers": answers})
}

func parseRequestKey(key, workspaceID, op string) (int64, error) {
	prefix := workspaceID + "#"
	if !strings.HasPrefix(key, prefix) {
		return 0, errors.Wrapf(errors.ErrInvalidInput, op, "malformed request key %q", key)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidInput, op, "malformed request id in %q", key)
	}
	return id, nil
}
