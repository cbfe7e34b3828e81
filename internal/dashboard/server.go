// Package dashboard 提供同步状态观测面板 HTTP 服务。
package dashboard

import (
	"github.com/gin-gonic/gin"

	"github.com/codexmonitor/threadsync/internal/actions"
	"github.com/codexmonitor/threadsync/internal/threadstore"
)

// Server 面板 HTTP 服务: 只读快照 + 线程动作 + SSE 调试流。
type Server struct {
	router  *gin.Engine
	store   *threadstore.Store
	actions *actions.Manager
	bus     *EventBus
}

// NewServer 创建面板服务。bus 为 nil 时内部新建。
func NewServer(store *threadstore.Store, mgr *actions.Manager, bus *EventBus) *Server {
	if bus == nil {
		bus = NewEventBus()
	}
	r := gin.Default()
	s := &Server{router: r, store: store, actions: mgr, bus: bus}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// Run 阻塞监听。
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
