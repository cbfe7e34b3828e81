// client.go — app-server JSON-RPC 传输层。
//
// app-server 使用 JSON-RPC 2.0 (WebSocket):
//   - Client → Server: {jsonrpc,id,method,params} (请求) 或 {jsonrpc,method,params} (通知)
//   - Server → Client: {jsonrpc,id,result} (响应)、{jsonrpc,method,params} (通知)
//     或带 id 的 server request (审批/用户输入, 必须回复)
//
// 每个工作区一条连接; 通知按到达顺序投递给单个 handler。
package appserver

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ========================================
// JSON-RPC 2.0 信封
// ========================================

// jsonRPCRequest JSON-RPC 2.0 请求。
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCNotification JSON-RPC 2.0 通知 (无 id)。
type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCMessage JSON-RPC 通用消息 (用于读取解析)。
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"` // nil = 通知
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// jsonRPCError JSON-RPC 错误。
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// jsonRPCResponse JSON-RPC 2.0 响应 (用于回复 server request)。
type jsonRPCResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
}

// pendingCall 等待响应的 JSON-RPC 调用。
type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// ========================================
// 通知
// ========================================

// Notification 一条服务端推送, 按到达顺序投递。
// RequestID 非 nil 表示这是需要回复的 server request。
type Notification struct {
	WorkspaceID string
	Method      string
	Params      map[string]any
	RequestID   *int64
}

// NotificationHandler 通知回调。在读循环 goroutine 上按序执行,
// 不得长时间阻塞。
type NotificationHandler func(Notification)

// ========================================
// Client
// ========================================

// Client 单工作区 app-server JSON-RPC 客户端。
type Client struct {
	WorkspaceID string
	URL         string

	// ========================================
	// 锁职责说明
	// ========================================
	// wsMu:      保护 ws (WebSocket 读写序列化)
	// handlerMu: 保护 handler (通知回调注册/读取)
	// 两者独立, 不存在嵌套获取关系。
	// ========================================

	ws        *websocket.Conn
	wsMu      sync.Mutex
	wsDone    chan struct{}
	handler   NotificationHandler
	handlerMu sync.RWMutex
	stopped   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	callTimeout  time.Duration
	pingInterval time.Duration
	maxReconnect int

	// JSON-RPC request tracking
	nextID  atomic.Int64
	pending sync.Map // id → *pendingCall
}

// Options 客户端调优参数, 零值取默认。
type Options struct {
	CallTimeout  time.Duration
	PingInterval time.Duration
	MaxReconnect int
}

const (
	defaultCallTimeout  = 60 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultMaxReconnect = 10

	readIdleTimeout    = 90 * time.Second
	writeTimeout       = 10 * time.Second
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 15 * time.Second
)

// New 创建客户端 (不建立连接, 调用 Connect)。
func New(workspaceID, url string, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = defaultMaxReconnect
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		WorkspaceID:  workspaceID,
		URL:          url,
		ctx:          ctx,
		cancel:       cancel,
		wsDone:       make(chan struct{}),
		callTimeout:  opts.CallTimeout,
		pingInterval: opts.PingInterval,
		maxReconnect: opts.MaxReconnect,
	}
}

// SetNotificationHandler 注册通知回调。
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Done 连接彻底关闭后关闭的 channel。
func (c *Client) Done() <-chan struct{} { return c.wsDone }

// Close 停止客户端并关闭连接。
func (c *Client) Close() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.cancel()
	c.wsMu.Lock()
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		_ = c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
	return nil
}
