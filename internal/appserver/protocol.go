// protocol.go — 线程同步引擎使用的 RPC 方法封装。
package appserver

import (
	"context"
	"encoding/json"

	apperrors "github.com/codexmonitor/threadsync/pkg/errors"
	"github.com/codexmonitor/threadsync/pkg/logger"
)

// Initialize 发送 initialize 请求, 声明客户端信息与能力。
func (c *Client) Initialize(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{
			"name":    "threadsync",
			"version": "1.0",
		},
		"capabilities": map[string]any{
			"experimentalApi": true,
		},
	})
	if err != nil {
		logger.Error("appserver: initialize FAILED",
			logger.FieldWorkspaceID, c.WorkspaceID, logger.FieldError, err)
		return err
	}
	logger.Info("appserver: initialize OK",
		logger.FieldWorkspaceID, c.WorkspaceID,
		"server_caps", string(result),
	)
	return nil
}

// ThreadStart 创建线程, 返回新线程 id。
func (c *Client) ThreadStart(ctx context.Context, cwd string) (string, error) {
	result, err := c.call(ctx, "thread/start", map[string]any{"cwd": cwd})
	if err != nil {
		return "", apperrors.Wrap(err, "Client.ThreadStart", "thread/start")
	}
	var resp struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrapf(err, "Client.ThreadStart", "thread/start decode (raw: %s)", result)
	}
	if resp.Thread.ID == "" {
		return "", apperrors.Newf("Client.ThreadStart", "thread/start returned empty thread ID (raw: %s)", result)
	}
	return resp.Thread.ID, nil
}

// ThreadResume 拉取线程权威状态 (turns + 嵌套 items)。
// 返回原始 thread 对象, 归一化交由调用方。
func (c *Client) ThreadResume(ctx context.Context, threadID string) (map[string]any, error) {
	result, err := c.call(ctx, "thread/resume", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, apperrors.Wrap(err, "Client.ThreadResume", "thread/resume")
	}
	var resp map[string]any
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, apperrors.Wrap(err, "Client.ThreadResume", "thread/resume decode")
	}
	if thread, ok := resp["thread"].(map[string]any); ok {
		return thread, nil
	}
	// 部分版本直接返回 thread 对象
	return resp, nil
}

// ThreadListPage 一页线程列表。
type ThreadListPage struct {
	Data       []map[string]any
	NextCursor string
}

// parseThreadListResult 解析 thread/listGlobal 响应: data 数组 +
// nextCursor / next_cursor 变体。
func parseThreadListResult(result json.RawMessage) (ThreadListPage, error) {
	var resp map[string]any
	if err := json.Unmarshal(result, &resp); err != nil {
		return ThreadListPage{}, err
	}
	page := ThreadListPage{}
	if data, ok := resp["data"].([]any); ok {
		for _, entry := range data {
			if m, ok := entry.(map[string]any); ok {
				page.Data = append(page.Data, m)
			}
		}
	}
	if cursor, ok := resp["nextCursor"].(string); ok {
		page.NextCursor = cursor
	} else if cursor, ok := resp["next_cursor"].(string); ok {
		page.NextCursor = cursor
	}
	return page, nil
}

// ThreadListGlobal 分页列出全局线程索引 (含 cwd/path 字段)。
func (c *Client) ThreadListGlobal(ctx context.Context, cursor string, pageSize int) (ThreadListPage, error) {
	params := map[string]any{"pageSize": pageSize}
	if cursor != "" {
		params["cursor"] = cursor
	}
	result, err := c.call(ctx, "thread/listGlobal", params)
	if err != nil {
		return ThreadListPage{}, apperrors.Wrap(err, "Client.ThreadListGlobal", "thread/listGlobal")
	}
	page, err := parseThreadListResult(result)
	if err != nil {
		return ThreadListPage{}, apperrors.Wrap(err, "Client.ThreadListGlobal", "thread/listGlobal decode")
	}
	return page, nil
}

// ThreadArchive 归档线程。
func (c *Client) ThreadArchive(ctx context.Context, threadID string) error {
	_, err := c.call(ctx, "thread/archive", map[string]any{"threadId": threadID})
	if err != nil {
		return apperrors.Wrap(err, "Client.ThreadArchive", "thread/archive")
	}
	return nil
}

// ThreadTokenUsage 查询线程 token 用量, 返回原始荷载。
func (c *Client) ThreadTokenUsage(ctx context.Context, threadID string) (map[string]any, error) {
	result, err := c.call(ctx, "thread/tokenUsage", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, apperrors.Wrap(err, "Client.ThreadTokenUsage", "thread/tokenUsage")
	}
	var resp map[string]any
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, apperrors.Wrap(err, "Client.ThreadTokenUsage", "thread/tokenUsage decode")
	}
	return resp, nil
}

// TurnStart 在线程上发起一个回合 (发送用户消息)。
func (c *Client) TurnStart(ctx context.Context, threadID, text string) error {
	_, err := c.call(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	})
	if err != nil {
		return apperrors.Wrap(err, "Client.TurnStart", "turn/start")
	}
	return nil
}

// TurnInterrupt 中断线程当前回合。turnID 可为空 (服务端取当前回合)。
func (c *Client) TurnInterrupt(ctx context.Context, threadID, turnID string) error {
	params := map[string]any{"threadId": threadID}
	if turnID != "" {
		params["turnId"] = turnID
	}
	_, err := c.call(ctx, "turn/interrupt", params)
	if err != nil {
		return apperrors.Wrap(err, "Client.TurnInterrupt", "turn/interrupt")
	}
	return nil
}

// HistoryStreamStart 启动历史分块流, 返回 streamId。
func (c *Client) HistoryStreamStart(ctx context.Context, threadID, path string) (string, error) {
	params := map[string]any{"threadId": threadID}
	if path != "" {
		params["path"] = path
	}
	result, err := c.call(ctx, "thread/historyStream/start", params)
	if err != nil {
		return "", apperrors.Wrap(err, "Client.HistoryStreamStart", "historyStream/start")
	}
	var resp struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrap(err, "Client.HistoryStreamStart", "historyStream/start decode")
	}
	return resp.StreamID, nil
}

// HistoryStreamStop 停止历史分块流。
func (c *Client) HistoryStreamStop(ctx context.Context, streamID string) error {
	_, err := c.call(ctx, "thread/historyStream/stop", map[string]any{"streamId": streamID})
	if err != nil {
		return apperrors.Wrap(err, "Client.HistoryStreamStop", "historyStream/stop")
	}
	return nil
}
