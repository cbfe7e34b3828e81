// thread.go — 线程/回合标识与工作区路径归一化。
package normalize

import (
	"strings"
)

// threadIDKeys 历史协议版本出现过的线程 id 字段名。
var threadIDKeys = []string{"threadId", "thread_id", "conversationId", "conversation_id"}

// turnIDKeys 回合 id 字段名变体。
var turnIDKeys = []string{"turnId", "turn_id", "id"}

// ThreadID 从通知荷载提取线程 id。
//
// 回退链: 顶层 → msg.* → turn.* → info.*，每层都尝试全部字段名变体。
// 协议多次演进导致同一逻辑字段存在多种形状，这里是唯一的集中容错点。
func ThreadID(params map[string]any) string {
	if params == nil {
		return ""
	}
	if id, ok := FirstString(params, threadIDKeys...); ok {
		return id
	}
	for _, nested := range []string{"msg", "turn", "info"} {
		m, ok := MapValue(params, nested)
		if !ok {
			continue
		}
		if id, ok := FirstString(m, threadIDKeys...); ok {
			return id
		}
	}
	return ""
}

// TurnID 从通知荷载提取回合 id (顶层 → turn.* → msg.*)。
func TurnID(params map[string]any) string {
	if params == nil {
		return ""
	}
	if id, ok := FirstString(params, "turnId", "turn_id"); ok {
		return id
	}
	if turn, ok := MapValue(params, "turn"); ok {
		if id, ok := FirstString(turn, turnIDKeys...); ok {
			return id
		}
	}
	if msg, ok := MapValue(params, "msg"); ok {
		if id, ok := FirstString(msg, "turnId", "turn_id"); ok {
			return id
		}
	}
	return ""
}

// ItemID 从通知荷载提取 item id (顶层 → item.*)。
func ItemID(params map[string]any) string {
	if params == nil {
		return ""
	}
	if id, ok := FirstString(params, "itemId", "item_id"); ok {
		return id
	}
	if item, ok := MapValue(params, "item"); ok {
		if id, ok := FirstString(item, "id", "itemId", "item_id"); ok {
			return id
		}
	}
	return ""
}

// RootPath 归一化工作区根路径, 用于把全局线程索引按 cwd 过滤。
//
// 统一分隔符为 "/" 并去掉尾部分隔符, 保证 "C:\a\b\" 与 "C:/a/b" 相等。
func RootPath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
