// manager.go — 线程动作层: 对上暴露 start/resume/list/archive 等操作,
// 把远端权威状态调和进本地 store。
package actions

import (
	"context"
	"strings"
	"sync"

	"github.com/codexmonitor/threadsync/internal/appserver"
	"github.com/codexmonitor/threadsync/internal/cache"
	"github.com/codexmonitor/threadsync/internal/engine"
	"github.com/codexmonitor/threadsync/internal/threadstore"
	"github.com/codexmonitor/threadsync/pkg/errors"
	"github.com/codexmonitor/threadsync/pkg/util"
)

// Options 调和参数, 零值取默认。
type Options struct {
	HistoryBatchSize     int // resume 历史分块大小
	ListTargetCount      int // 翻页补载的目标条数
	ListPageSize         int // 每页请求条数
	MaxPagesWithoutMatch int // 连续无匹配页的上限
	PreviewNameMax       int // 预览文本作线程名时的字符上限
	StreamHistory        bool
}

func (o *Options) applyDefaults() {
	if o.HistoryBatchSize <= 0 {
		o.HistoryBatchSize = 120
	}
	if o.ListTargetCount <= 0 {
		o.ListTargetCount = 20
	}
	if o.ListPageSize <= 0 {
		o.ListPageSize = 20
	}
	// 运行时对 thread/list 的单页条数有硬上限。
	o.ListPageSize = util.ClampInt(o.ListPageSize, 1, 100)
	if o.MaxPagesWithoutMatch <= 0 {
		o.MaxPagesWithoutMatch = 10
	}
	if o.PreviewNameMax <= 0 {
		o.PreviewNameMax = 38
	}
}

// Manager 线程动作入口。方法并发安全。
type Manager struct {
	store    *threadstore.Store
	registry *appserver.Registry
	cache    *cache.Cache
	engine   *engine.Engine
	opts     Options

	mu              sync.Mutex
	listInFlight    map[string]chan struct{} // workspaceID → 进行中的列表拉取
	threadPaths     map[string]string        // threadID → 会话文件路径 (history stream 用)
	replaceOnResume map[string]struct{}      // 下次 resume 强制整体替换
}

// New 创建动作层。
func New(store *threadstore.Store, registry *appserver.Registry, c *cache.Cache, eng *engine.Engine, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		store:           store,
		registry:        registry,
		cache:           c,
		engine:          eng,
		opts:            opts,
		listInFlight:    make(map[string]chan struct{}),
		threadPaths:     make(map[string]string),
		replaceOnResume: make(map[string]struct{}),
	}
}

func (m *Manager) client(workspaceID, op string) (*appserver.Client, error) {
	client, ok := m.registry.Get(workspaceID)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotConnected, op, "workspace %q has no app-server session", workspaceID)
	}
	return client, nil
}

// MarkReplaceOnResume 把线程标记为下次 resume 时整体替换本地历史
// (工作区重连后本地副本可能陈旧)。
func (m *Manager) MarkReplaceOnResume(threadID string) {
	m.mu.Lock()
	m.replaceOnResume[threadID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) takeReplaceOnResume(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replaceOnResume[threadID]; !ok {
		return false
	}
	delete(m.replaceOnResume, threadID)
	return true
}

func (m *Manager) ensureThread(workspaceID, threadID string) {
	m.store.UpsertThread(threadstore.Thread{ID: threadID, WorkspaceID: workspaceID})
}

func (m *Manager) rememberThreadPath(threadID, path string) {
	if threadID == "" || path == "" {
		return
	}
	m.mu.Lock()
	m.threadPaths[threadID] = path
	m.mu.Unlock()
}

func (m *Manager) threadPath(threadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadPaths[threadID]
}

// Start 新建线程并落本地壳。新线程无历史, 直接视为已加载。
func (m *Manager) Start(ctx context.Context, workspaceID, cwd string) (string, error) {
	client, err := m.client(workspaceID, "Actions.Start")
	if err != nil {
		return "", err
	}
	threadID, err := client.ThreadStart(ctx, cwd)
	if err != nil {
		return "", errors.Wrap(err, "Actions.Start", "thread/start rpc failed")
	}
	if threadID == "" {
		return "", errors.New("Actions.Start", "thread/start returned no thread id")
	}
	m.store.UpsertThread(threadstore.Thread{ID: threadID, WorkspaceID: workspaceID})
	m.store.MarkLoaded(threadID)
	m.store.SetActiveThread(threadID)
	return threadID, nil
}

// Archive 归档线程并清掉全部本地痕迹。
func (m *Manager) Archive(ctx context.Context, workspaceID, threadID string) error {
	client, err := m.client(workspaceID, "Actions.Archive")
	if err != nil {
		return err
	}
	if err := client.ThreadArchive(ctx, threadID); err != nil {
		return errors.Wrap(err, "Actions.Archive", "thread/archive rpc failed")
	}
	m.store.RemoveThread(threadID)
	m.engine.ForgetThread(threadID)
	if m.cache != nil {
		m.cache.RemoveThread(ctx, workspaceID, threadID)
		m.cache.UnpinThread(ctx, workspaceID, threadID)
	}
	m.mu.Lock()
	delete(m.threadPaths, threadID)
	delete(m.replaceOnResume, threadID)
	m.mu.Unlock()
	return nil
}

// Rename 设置线程自定义名; 空名回落到 "Agent <id前缀>" 并清掉自定义。
func (m *Manager) Rename(ctx context.Context, workspaceID, threadID, name string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		if m.cache != nil {
			if existing := m.cache.CustomName(ctx, workspaceID, threadID); existing == "" {
				return
			}
			m.cache.RemoveCustomName(ctx, workspaceID, threadID)
		}
		m.store.SetThreadName(threadID, fallbackThreadName(threadID))
		return
	}
	if m.cache != nil {
		m.cache.SaveCustomName(ctx, workspaceID, threadID, trimmed)
	}
	m.store.SetThreadName(threadID, trimmed)
}

// Pin 置顶线程: 立即生效于列表排序, 同步落持久缓存。
func (m *Manager) Pin(ctx context.Context, workspaceID, threadID string, ts int64) {
	m.store.SetPinned(threadID, true)
	if m.cache != nil {
		m.cache.PinThread(ctx, workspaceID, threadID, ts)
	}
}

// Unpin 取消置顶。
func (m *Manager) Unpin(ctx context.Context, workspaceID, threadID string) {
	m.store.SetPinned(threadID, false)
	if m.cache != nil {
		m.cache.UnpinThread(ctx, workspaceID, threadID)
	}
}

func fallbackThreadName(threadID string) string {
	if len(threadID) > 4 {
		return "Agent " + threadID[:4]
	}
	return "Agent " + threadID
}
