// sync_test.go — 走真实 WebSocket 往返的列表同步 / 归档 / 中断行为。
package actions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codexmonitor/threadsync/internal/appserver"
	"github.com/codexmonitor/threadsync/internal/cache"
	"github.com/codexmonitor/threadsync/internal/engine"
	"github.com/codexmonitor/threadsync/internal/threadstore"
)

// rpcFunc 处理一次 JSON-RPC 请求, 返回写回客户端的 result。
type rpcFunc func(method string, params map[string]any) any

// newRPCServer 起一个回放 JSON-RPC 响应的 WebSocket 服务端。
// 同一连接上的请求串行到达, handle 无需自行加锁。
func newRPCServer(t *testing.T, handle rpcFunc) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req struct {
				ID     *int64         `json:"id"`
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.ID == nil {
				continue
			}
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      *req.ID,
				"result":  handle(req.Method, req.Params),
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newConnectedRegistry(t *testing.T, srv *httptest.Server) *appserver.Registry {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := appserver.New("ws-1", url, appserver.Options{CallTimeout: 2 * time.Second})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	registry := appserver.NewRegistry()
	registry.Add(client)
	return registry
}

// listPage 构造 thread/listGlobal 的一页响应。
func listPage(entries []map[string]any, nextCursor string) map[string]any {
	data := make([]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, e)
	}
	page := map[string]any{"data": data}
	if nextCursor != "" {
		page["nextCursor"] = nextCursor
	}
	return page
}

// 翻页在连续 10 页无匹配后停止, 而不是在首次匹配后就不再设上限。
// 前 8 页各命中一条, 之后全是别的工作区的线程: 应在第 18 页收手。
func TestListThreads_StopsAfterConsecutiveEmptyPages(t *testing.T) {
	var mu sync.Mutex
	pagesServed := 0
	srv := newRPCServer(t, func(method string, params map[string]any) any {
		if method != "thread/listGlobal" {
			return map[string]any{}
		}
		mu.Lock()
		pagesServed++
		page := pagesServed
		mu.Unlock()

		cwd := "/elsewhere"
		if page <= 8 {
			cwd = "/repo"
		}
		entry := map[string]any{
			"id":        "t" + strconv.Itoa(page),
			"cwd":       cwd,
			"updatedAt": float64(10000 - page),
		}
		return listPage([]map[string]any{entry}, "p"+strconv.Itoa(page+1))
	})

	store := threadstore.New()
	registry := newConnectedRegistry(t, srv)
	mgr := New(store, registry, nil, nil, Options{
		ListPageSize:         1,
		ListTargetCount:      50,
		MaxPagesWithoutMatch: 10,
	})

	threads, err := mgr.ListThreadsForWorkspace(context.Background(), "ws-1", "/repo")
	if err != nil {
		t.Fatalf("ListThreadsForWorkspace: %v", err)
	}
	if len(threads) != 8 {
		t.Errorf("matched threads = %d, want 8", len(threads))
	}
	mu.Lock()
	served := pagesServed
	mu.Unlock()
	if served != 18 {
		t.Errorf("pages fetched = %d, want 18 (8 matched + 10 consecutive misses)", served)
	}
}

func TestLoadOlderThreads_AppendsBeyondCursor(t *testing.T) {
	srv := newRPCServer(t, func(method string, params map[string]any) any {
		if method != "thread/listGlobal" {
			return map[string]any{}
		}
		if cursor, _ := params["cursor"].(string); cursor != "p2" {
			t.Errorf("cursor = %q, want %q", cursor, "p2")
		}
		return listPage([]map[string]any{{
			"id": "older", "cwd": "/repo", "updatedAt": float64(50),
		}}, "")
	})

	store := threadstore.New()
	store.UpsertThread(threadstore.Thread{ID: "recent", WorkspaceID: "ws-1", UpdatedAt: 900})
	store.SetCursor("ws-1", "p2")
	registry := newConnectedRegistry(t, srv)
	mgr := New(store, registry, nil, nil, Options{})

	threads, err := mgr.LoadOlderThreadsForWorkspace(context.Background(), "ws-1", "/repo")
	if err != nil {
		t.Fatalf("LoadOlderThreadsForWorkspace: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(threads))
	}
	if threads[0].ID != "recent" || threads[1].ID != "older" {
		t.Errorf("order = [%s %s], want [recent older]", threads[0].ID, threads[1].ID)
	}
	if store.Cursor("ws-1") != "" {
		t.Errorf("cursor = %q after last page, want empty", store.Cursor("ws-1"))
	}
}

func TestArchive_RemovesStoreAndCacheState(t *testing.T) {
	srv := newRPCServer(t, func(method string, params map[string]any) any {
		return map[string]any{}
	})

	ctx := context.Background()
	store := threadstore.New()
	persistent := cache.New(cache.NewMemoryKV())
	eng := engine.New(store, nil, nil, nil, engine.Options{})
	registry := newConnectedRegistry(t, srv)
	mgr := New(store, registry, persistent, eng, Options{})

	store.UpsertThread(threadstore.Thread{ID: "t1", WorkspaceID: "ws-1", UpdatedAt: 100})
	persistent.SaveThreadSummaries(ctx, "ws-1", []cache.ThreadSummary{{ID: "t1", Name: "one", UpdatedAt: 100}})
	persistent.PinThread(ctx, "ws-1", "t1", 100)

	if err := mgr.Archive(ctx, "ws-1", "t1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, ok := store.Thread("t1"); ok {
		t.Error("thread still in store after archive")
	}
	if got := persistent.ThreadSummaries(ctx, "ws-1"); len(got) != 0 {
		t.Errorf("cached summaries = %d after archive, want 0", len(got))
	}
	if pins := persistent.PinnedThreads(ctx, "ws-1"); len(pins) != 0 {
		t.Errorf("cached pins = %d after archive, want 0", len(pins))
	}
}

// 重启后的缓存占位要连同置顶一起恢复, 置顶线程回到列表最前。
func TestSeedFromCache_RestoresPins(t *testing.T) {
	ctx := context.Background()
	store := threadstore.New()
	persistent := cache.New(cache.NewMemoryKV())
	mgr := New(store, nil, persistent, nil, Options{})

	persistent.SaveThreadSummaries(ctx, "ws-1", []cache.ThreadSummary{
		{ID: "a", Name: "one", UpdatedAt: 300},
		{ID: "b", Name: "two", UpdatedAt: 100},
	})
	persistent.PinThread(ctx, "ws-1", "b", 100)

	mgr.seedFromCache(ctx, "ws-1")

	threads := store.ThreadsForWorkspace("ws-1")
	if len(threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(threads))
	}
	if threads[0].ID != "b" || !threads[0].Pinned {
		t.Errorf("threads[0] = %+v, want pinned b first", threads[0])
	}
}

// 未加载但正在跑回合的线程不抢 resume: 流式事件正在写入,
// 整体拉取会和增量打架。
func TestResume_SkipsProcessingThread(t *testing.T) {
	store := threadstore.New()
	mgr := New(store, nil, nil, nil, Options{})

	store.UpsertThread(threadstore.Thread{ID: "t1", WorkspaceID: "ws-1"})
	store.MarkProcessing("t1", true)

	// registry 为空: 任何越过短路的 RPC 尝试都会失败
	if err := mgr.Resume(context.Background(), "ws-1", "t1", ResumeOptions{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if thread, _ := store.Thread("t1"); thread.Loaded {
		t.Error("Loaded = true after skipped resume, want false")
	}
}

// 回合 id 未知时中断只能挂起; 回合仍在跑, 处理中标志不许提前清。
func TestInterrupt_PendingKeepsProcessing(t *testing.T) {
	store := threadstore.New()
	eng := engine.New(store, nil, nil, nil, engine.Options{})
	mgr := New(store, nil, nil, eng, Options{})

	store.UpsertThread(threadstore.Thread{ID: "t1", WorkspaceID: "ws-1"})
	store.MarkProcessing("t1", true)

	if err := mgr.Interrupt(context.Background(), "ws-1", "t1"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if !store.Status("t1").IsProcessing {
		t.Error("IsProcessing = false while interrupt undecided, want true")
	}

	// 回合 id 一到, 引擎消费挂起意图, 不进入处理中
	eng.HandleNotification(appserver.Notification{
		WorkspaceID: "ws-1",
		Method:      "turn/started",
		Params:      map[string]any{"threadId": "t1", "turnId": "turn-1"},
	})
	if store.Status("t1").ActiveTurnID != "" {
		t.Errorf("ActiveTurnID = %q after consumed interrupt, want empty", store.Status("t1").ActiveTurnID)
	}
}
