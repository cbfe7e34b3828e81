// registry.go — 工作区到 app-server 客户端的注册表。
package appserver

import "sync"

// Registry 按工作区 id 维护已连接的客户端, 供引擎与动作层共享。
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add 注册客户端, 同工作区旧客户端被替换并返回 (由调用方关闭)。
func (r *Registry) Add(c *Client) *Client {
	if c == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.clients[c.WorkspaceID]
	r.clients[c.WorkspaceID] = c
	if old == c {
		return nil
	}
	return old
}

// Remove 摘除并返回工作区客户端, 不存在时返回 nil。
func (r *Registry) Remove(workspaceID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.clients[workspaceID]
	delete(r.clients, workspaceID)
	return c
}

// Get 查询工作区客户端。
func (r *Registry) Get(workspaceID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[workspaceID]
	return c, ok
}

// WorkspaceIDs 当前已注册工作区列表。
func (r *Registry) WorkspaceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}
