// transport.go — WebSocket 传输层: 连接、重连、RPC 通信。
package appserver

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/codexmonitor/threadsync/pkg/errors"
	"github.com/codexmonitor/threadsync/pkg/logger"
	"github.com/codexmonitor/threadsync/pkg/util"
)

// Connect 建立 WebSocket 连接并启动读/心跳循环。
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialWS(ctx)
	if err != nil {
		return apperrors.Wrap(err, "Client.Connect", "ws connect")
	}
	c.replaceWSConn(conn)
	util.SafeGo(func() { c.readLoop() })
	util.SafeGo(func() { c.pingLoop(conn) })
	return nil
}

func (c *Client) dialWS(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		NetDialContext:   (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}

	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apperrors.New("Client.dialWS", "dial returned nil websocket connection")
	}
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})
	return conn, nil
}

func (c *Client) currentWSConn() *websocket.Conn {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws
}

func (c *Client) replaceWSConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	c.wsMu.Lock()
	prev := c.ws
	c.ws = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

// ========================================
// 读 / 心跳循环
// ========================================

func (c *Client) readLoop() {
	defer func() {
		c.wsMu.Lock()
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.wsMu.Unlock()
		c.failPendingCalls(apperrors.New("Client.readLoop", "connection closed"))

		select {
		case <-c.wsDone:
		default:
			close(c.wsDone)
		}
	}()

	for !c.stopped.Load() {
		conn := c.currentWSConn()
		if conn == nil {
			if c.stopped.Load() {
				return
			}
			if !c.reconnectWS("ws_missing", apperrors.New("Client.readLoop", "ws not connected")) {
				return
			}
			continue
		}
		_, message, err := conn.ReadMessage()
		if err == nil {
			// 收到有效消息 = 连接活跃, 重置 idle deadline。
			// 注意: 必须用循环内的 conn 局部变量, 不能用 c.currentWSConn(),
			// 因为 reconnect 后 c.ws 已指向新 conn。
			_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		}
		if err != nil {
			readErr := apperrors.Wrap(err, "Client.readLoop", "read message")
			c.failPendingCalls(readErr)
			if c.stopped.Load() {
				return
			}
			logger.Warn("appserver: readLoop read failed",
				logger.FieldWorkspaceID, c.WorkspaceID,
				logger.FieldError, readErr,
			)
			if c.reconnectWS("read_error", readErr) {
				continue
			}
			return
		}

		var msg jsonRPCMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("appserver: readLoop unparseable JSON-RPC message",
				logger.FieldWorkspaceID, c.WorkspaceID,
				logger.FieldError, err,
				logger.FieldLen, len(message),
			)
			continue
		}

		// Response: 交给 pending call
		if c.handleRPCResponse(msg) {
			continue
		}

		c.dispatchNotification(msg)
	}
}

// handleRPCResponse 将响应路由到等待中的调用。返回是否已消费。
func (c *Client) handleRPCResponse(msg jsonRPCMessage) bool {
	if msg.ID == nil || (msg.Result == nil && msg.Error == nil) {
		return false
	}
	value, ok := c.pending.Load(*msg.ID)
	if !ok {
		return false
	}
	pc := value.(*pendingCall)
	if msg.Error != nil {
		pc.err = apperrors.Newf("Client.call", "rpc error %d: %s", msg.Error.Code, msg.Error.Message)
	} else {
		pc.result = msg.Result
	}
	close(pc.done)
	return true
}

// dispatchNotification 把通知/server request 交给已注册的 handler。
func (c *Client) dispatchNotification(msg jsonRPCMessage) {
	if msg.Method == "" {
		return
	}
	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	params := map[string]any{}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Warn("appserver: notification params decode failed",
				logger.FieldWorkspaceID, c.WorkspaceID,
				logger.FieldMethod, msg.Method,
				logger.FieldError, err,
			)
			params = map[string]any{}
		}
	}
	handler(Notification{
		WorkspaceID: c.WorkspaceID,
		Method:      msg.Method,
		Params:      params,
		RequestID:   msg.ID,
	})
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wsDone:
			return
		case <-ticker.C:
			c.wsMu.Lock()
			if c.ws != conn {
				c.wsMu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
			if err != nil {
				_ = c.ws.Close()
				c.ws = nil
				c.wsMu.Unlock()
				return
			}
			c.wsMu.Unlock()
		}
	}
}

// ========================================
// 重连
// ========================================

func reconnectDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := reconnectBaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	if delay > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return delay
}

func (c *Client) sleepWithContext(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) reconnectWS(trigger string, lastErr error) bool {
	for attempt := 1; attempt <= c.maxReconnect; attempt++ {
		if c.stopped.Load() {
			return false
		}
		if !c.sleepWithContext(reconnectDelay(attempt)) {
			return false
		}
		conn, err := c.dialWS(c.ctx)
		if err != nil {
			logger.Warn("appserver: ws reconnect attempt failed",
				logger.FieldWorkspaceID, c.WorkspaceID,
				"trigger", trigger,
				"attempt", attempt,
				logger.FieldMax, c.maxReconnect,
				logger.FieldError, err,
			)
			continue
		}
		c.replaceWSConn(conn)
		util.SafeGo(func() { c.pingLoop(conn) })
		logger.Info("appserver: ws reconnected",
			logger.FieldWorkspaceID, c.WorkspaceID,
			"trigger", trigger,
			"attempt", attempt,
		)
		return true
	}
	logger.Warn("appserver: ws reconnect exhausted",
		logger.FieldWorkspaceID, c.WorkspaceID,
		"trigger", trigger,
		logger.FieldMax, c.maxReconnect,
		logger.FieldError, lastErr,
	)
	return false
}

// ========================================
// JSON-RPC 请求/响应
// ========================================

// call 发送 JSON-RPC 请求并等待响应。
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	if err := c.writeJSON(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-timer.C:
		return nil, apperrors.Newf("Client.call", "%s timeout", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// notify 发送 JSON-RPC 通知 (无需响应)。
func (c *Client) notify(method string, params any) error {
	msg := jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	return c.writeJSON(msg)
}

// Respond 回复 server request (审批/用户输入)。
func (c *Client) Respond(id int64, result any) error {
	resp := jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	return c.writeJSON(resp)
}

// RespondError 发送 JSON-RPC 错误响应。
//
// server 发出带 id 的 request 后必须收到回复; 处理失败时用此方法
// 回错误, 避免对端回合永久挂起。
func (c *Client) RespondError(id int64, code int, message string) error {
	resp := struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      int64         `json:"id"`
		Error   *jsonRPCError `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonRPCError{Code: code, Message: message},
	}
	return c.writeJSON(resp)
}

func (c *Client) writeJSON(v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return apperrors.New("Client.writeJSON", "ws not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		writeErr := apperrors.Wrap(err, "Client.writeJSON", "ws write")
		_ = c.ws.Close()
		c.ws = nil
		return writeErr
	}
	return nil
}

// failPendingCalls 连接断开时唤醒全部等待中的调用。
func (c *Client) failPendingCalls(err error) {
	c.pending.Range(func(key, value any) bool {
		pc := value.(*pendingCall)
		pc.err = err
		select {
		case <-pc.done:
		default:
			close(pc.done)
		}
		c.pending.Delete(key)
		return true
	})
}
