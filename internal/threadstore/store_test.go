// store_test.go — 状态容器的合并偏向与幂等性。
package threadstore

import (
	"testing"

	"github.com/codexmonitor/threadsync/internal/normalize"
)

func TestUpsertThread_ZeroFieldsDoNotClobber(t *testing.T) {
	s := New()
	s.UpsertThread(Thread{ID: "t1", WorkspaceID: "ws-1", Name: "Agent 1", Preview: "hello", UpdatedAt: 100})
	// 事件路径只带 id, 不应抹掉已有元数据
	s.UpsertThread(Thread{ID: "t1"})

	thread, ok := s.Thread("t1")
	if !ok {
		t.Fatal("thread t1 missing")
	}
	if thread.Name != "Agent 1" || thread.Preview != "hello" || thread.WorkspaceID != "ws-1" {
		t.Errorf("thread = %+v, metadata clobbered", thread)
	}
}

func TestUpsertThread_TimestampOnlyAdvances(t *testing.T) {
	s := New()
	s.UpsertThread(Thread{ID: "t1", UpdatedAt: 500})
	s.UpsertThread(Thread{ID: "t1", UpdatedAt: 300})
	if thread, _ := s.Thread("t1"); thread.UpdatedAt != 500 {
		t.Errorf("UpdatedAt = %d, want 500 (must not regress)", thread.UpdatedAt)
	}
	s.SetThreadTimestamp("t1", 400)
	if thread, _ := s.Thread("t1"); thread.UpdatedAt != 500 {
		t.Errorf("UpdatedAt = %d after stale SetThreadTimestamp, want 500", thread.UpdatedAt)
	}
	s.SetThreadTimestamp("t1", 900)
	if thread, _ := s.Thread("t1"); thread.UpdatedAt != 900 {
		t.Errorf("UpdatedAt = %d, want 900", thread.UpdatedAt)
	}
}

func TestUpsertItem_IdempotentReplay(t *testing.T) {
	s := New()
	item := normalize.Item{ID: "i1", Kind: normalize.ItemKindMessage, Role: "user", Text: "hi"}
	s.UpsertItem("t1", item)
	before := s.Seq()
	s.UpsertItem("t1", item)
	if s.Seq() != before {
		t.Error("seq advanced on identical upsert, want unchanged")
	}
	if n := s.ItemCount("t1"); n != 1 {
		t.Errorf("item count = %d, want 1", n)
	}
}

func TestUpsertItem_RetainsLocalFields(t *testing.T) {
	s := New()
	s.UpsertItem("t1", normalize.Item{
		ID: "i1", Kind: normalize.ItemKindMessage, Role: "assistant",
		Text: "full answer", CompletedAt: "2026-08-29T10:00:00Z",
	})
	// 后到的稀疏版本不应抹掉文本与完成时间
	s.UpsertItem("t1", normalize.Item{ID: "i1", Kind: normalize.ItemKindMessage, Role: "assistant"})

	item, _ := s.Item("t1", "i1")
	if item.Text != "full answer" {
		t.Errorf("Text = %q, want retained", item.Text)
	}
	if item.CompletedAt != "2026-08-29T10:00:00Z" {
		t.Errorf("CompletedAt = %q, want retained", item.CompletedAt)
	}
}

func TestReplaceThreadItems_RebuildsIndex(t *testing.T) {
	s := New()
	s.AppendItems("t1", []normalize.Item{
		{ID: "a", Kind: normalize.ItemKindMessage},
		{ID: "b", Kind: normalize.ItemKindMessage},
	})
	s.ReplaceThreadItems("t1", []normalize.Item{{ID: "c", Kind: normalize.ItemKindMessage, Text: "x"}})

	if _, ok := s.Item("t1", "a"); ok {
		t.Error("item a survived replace")
	}
	item, ok := s.Item("t1", "c")
	if !ok || item.Text != "x" {
		t.Errorf("item c = %+v, ok=%v", item, ok)
	}
	// 替换后的追加仍按索引去重
	s.AppendItems("t1", []normalize.Item{{ID: "c", Kind: normalize.ItemKindMessage, Text: "x"}})
	if n := s.ItemCount("t1"); n != 1 {
		t.Errorf("item count = %d, want 1", n)
	}
}

func TestAppendItemText_CreatesMissingItem(t *testing.T) {
	s := New()
	s.AppendItemText("t1", "cmd-1", normalize.ItemKindCommand, "line one\n")
	s.AppendItemText("t1", "cmd-1", normalize.ItemKindCommand, "line two\n")
	item, ok := s.Item("t1", "cmd-1")
	if !ok {
		t.Fatal("item cmd-1 missing")
	}
	if item.Text != "line one\nline two\n" {
		t.Errorf("text = %q", item.Text)
	}
	if item.Kind != normalize.ItemKindCommand {
		t.Errorf("kind = %q, want commandExecution", item.Kind)
	}
}

func TestSetActiveThread_ClearsUnread(t *testing.T) {
	s := New()
	s.UpsertThread(Thread{ID: "t1", WorkspaceID: "ws-1"})
	s.MarkUnread("t1")
	s.SetActiveThread("t1")
	if thread, _ := s.Thread("t1"); thread.IsUnread {
		t.Error("IsUnread = true after activation, want false")
	}
	if s.ActiveThreadID() != "t1" {
		t.Errorf("ActiveThreadID = %q, want t1", s.ActiveThreadID())
	}
}

func TestSetTokenUsage_ZeroIgnoredWindowSticky(t *testing.T) {
	s := New()
	s.SetTokenUsage("t1", normalize.TokenUsage{})
	if usage := s.TokenUsage("t1"); !usage.IsZero() {
		t.Errorf("usage = %+v after zero payload, want zero", usage)
	}
	s.SetTokenUsage("t1", normalize.TokenUsage{TotalTokens: 100, ContextWindowTokens: 200000})
	// 后续更新缺窗口大小时沿用旧窗口
	s.SetTokenUsage("t1", normalize.TokenUsage{TotalTokens: 150})
	usage := s.TokenUsage("t1")
	if usage.TotalTokens != 150 || usage.ContextWindowTokens != 200000 {
		t.Errorf("usage = %+v, want total 150 window 200000", usage)
	}
}

func TestThreadsForWorkspace_SortedByActivity(t *testing.T) {
	s := New()
	s.UpsertThread(Thread{ID: "old", WorkspaceID: "ws-1", UpdatedAt: 100})
	s.UpsertThread(Thread{ID: "new", WorkspaceID: "ws-1", UpdatedAt: 300})
	s.UpsertThread(Thread{ID: "mid", WorkspaceID: "ws-1", UpdatedAt: 200})
	s.UpsertThread(Thread{ID: "other", WorkspaceID: "ws-2", UpdatedAt: 999})

	threads := s.ThreadsForWorkspace("ws-1")
	if len(threads) != 3 {
		t.Fatalf("len = %d, want 3", len(threads))
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if threads[i].ID != id {
			t.Errorf("threads[%d].ID = %q, want %q", i, threads[i].ID, id)
		}
	}
}

// 置顶线程排在最前, 组内仍按活动时间倒序; 取消置顶后归位。
func TestThreadsForWorkspace_PinnedFirst(t *testing.T) {
	s := New()
	s.UpsertThread(Thread{ID: "old", WorkspaceID: "ws-1", UpdatedAt: 100})
	s.UpsertThread(Thread{ID: "new", WorkspaceID: "ws-1", UpdatedAt: 300})
	s.UpsertThread(Thread{ID: "mid", WorkspaceID: "ws-1", UpdatedAt: 200})
	s.SetPinned("old", true)

	threads := s.ThreadsForWorkspace("ws-1")
	want := []string{"old", "new", "mid"}
	for i, id := range want {
		if threads[i].ID != id {
			t.Errorf("threads[%d].ID = %q, want %q", i, threads[i].ID, id)
		}
	}

	// 常规更新不许碰置顶标记
	s.UpsertThread(Thread{ID: "old", WorkspaceID: "ws-1", UpdatedAt: 150})
	if thread, _ := s.Thread("old"); !thread.Pinned {
		t.Error("Pinned cleared by UpsertThread, want retained")
	}

	s.SetPinned("old", false)
	threads = s.ThreadsForWorkspace("ws-1")
	want = []string{"new", "mid", "old"}
	for i, id := range want {
		if threads[i].ID != id {
			t.Errorf("after unpin threads[%d].ID = %q, want %q", i, threads[i].ID, id)
		}
	}
}

func TestRemoveThread_DropsAllState(t *testing.T) {
	s := New()
	s.UpsertThread(Thread{ID: "t1", WorkspaceID: "ws-1"})
	s.AppendItems("t1", []normalize.Item{{ID: "i1", Kind: normalize.ItemKindMessage}})
	s.SetTokenUsage("t1", normalize.TokenUsage{TotalTokens: 10})
	s.SetDiff("t1", "diff")
	s.SetActiveThread("t1")

	s.RemoveThread("t1")

	if _, ok := s.Thread("t1"); ok {
		t.Error("thread survived removal")
	}
	if n := s.ItemCount("t1"); n != 0 {
		t.Errorf("item count = %d, want 0", n)
	}
	if !s.TokenUsage("t1").IsZero() {
		t.Error("token usage survived removal")
	}
	if s.Diff("t1") != "" {
		t.Error("diff survived removal")
	}
	if s.ActiveThreadID() != "" {
		t.Error("active thread survived removal")
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := New()
	s.AddApproval(ApprovalRequest{RequestID: "ws-1#1", WorkspaceID: "ws-1", Method: "m"})
	if n := len(s.PendingApprovals()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	req, ok := s.ResolveApproval("ws-1#1")
	if !ok || req.Method != "m" {
		t.Errorf("resolved = %+v, ok=%v", req, ok)
	}
	if _, ok := s.ResolveApproval("ws-1#1"); ok {
		t.Error("second resolve succeeded, want gone")
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := New()
	s.UpsertThread(Thread{ID: "t1", WorkspaceID: "ws-1", Name: "one"})
	s.AppendItems("t1", []normalize.Item{{ID: "i1", Kind: normalize.ItemKindMessage, Text: "x"}})

	snap := s.Snapshot()
	snap.ThreadsByID["t1"] = Thread{ID: "t1", Name: "mutated"}
	snap.ItemsByThread["t1"][0].Text = "mutated"

	if thread, _ := s.Thread("t1"); thread.Name != "one" {
		t.Error("snapshot mutation leaked into store thread")
	}
	if item, _ := s.Item("t1", "i1"); item.Text != "x" {
		t.Error("snapshot mutation leaked into store item")
	}
}
