// item.go — 会话 item 归一化。
package normalize

import "strings"

// ItemKind 规范化后的 item 类别。
type ItemKind string

const (
	ItemKindMessage    ItemKind = "message"
	ItemKindReasoning  ItemKind = "reasoning"
	ItemKindCommand    ItemKind = "commandExecution"
	ItemKindFileChange ItemKind = "fileChange"
	ItemKindPlan       ItemKind = "plan"
	ItemKindReview     ItemKind = "reviewMode"
	ItemKindError      ItemKind = "error"
	ItemKindOther      ItemKind = "other"
)

// Item 规范化后的会话条目。
//
// Invariant: 同一线程内 ID 唯一; 排序按到达/回合顺序。
type Item struct {
	ID          string         `json:"id"`
	Kind        ItemKind       `json:"kind"`
	Role        string         `json:"role,omitempty"`
	Text        string         `json:"text,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   string         `json:"createdAt,omitempty"`
	CompletedAt string         `json:"completedAt,omitempty"`
}

// classifyItemType 把服务端 item 类型字符串映射到规范类别与角色。
func classifyItemType(rawType string) (ItemKind, string) {
	switch strings.TrimSpace(rawType) {
	case "agentMessage", "agent_message", "assistantMessage", "assistant_message":
		return ItemKindMessage, "assistant"
	case "userMessage", "user_message":
		return ItemKindMessage, "user"
	case "reasoning", "thinking":
		return ItemKindReasoning, ""
	case "commandExecution", "command_execution", "localShellCall", "local_shell_call":
		return ItemKindCommand, ""
	case "fileChange", "file_change", "patchApply", "patch_apply":
		return ItemKindFileChange, ""
	case "plan", "planUpdate", "plan_update":
		return ItemKindPlan, ""
	case "enteredReviewMode", "entered_review_mode", "exitedReviewMode", "exited_review_mode":
		return ItemKindReview, ""
	case "error":
		return ItemKindError, "assistant"
	default:
		return ItemKindOther, ""
	}
}

// ItemFromPayload 把单个服务端 item 对象归一化。
// id 或类型完全缺失时返回 false。
func ItemFromPayload(m map[string]any) (Item, bool) {
	if m == nil {
		return Item{}, false
	}
	item := Item{Payload: m}
	if id, ok := FirstString(m, "id", "itemId", "item_id"); ok {
		item.ID = id
	}
	rawType, _ := FirstString(m, "type", "kind", "itemType", "item_type")
	item.Kind, item.Role = classifyItemType(rawType)
	if role, ok := FirstString(m, "role"); ok {
		item.Role = role
	}
	item.Text = AgentMessageText(m)
	if created, ok := FirstString(m, "createdAt", "created_at", "startedAt", "started_at"); ok {
		item.CreatedAt = created
	}
	if completed, ok := FirstString(m, "completedAt", "completed_at"); ok {
		item.CompletedAt = completed
	}
	if item.ID == "" && rawType == "" {
		return Item{}, false
	}
	return item, true
}

// AgentMessageText 提取 item 的文本内容。
//
// 优先级: item.text → content 数组中 {type:"text"} 片段拼接 →
// content 单对象 {type:"text"}。
func AgentMessageText(item map[string]any) string {
	if item == nil {
		return ""
	}
	if raw, ok := item["text"].(string); ok && strings.TrimSpace(raw) != "" {
		return raw
	}
	switch content := item["content"].(type) {
	case []any:
		var b strings.Builder
		for _, entry := range content {
			typed, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if typed["type"] == "text" {
				if text, ok := typed["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		if strings.TrimSpace(b.String()) != "" {
			return b.String()
		}
	case map[string]any:
		if content["type"] == "text" {
			if text, ok := content["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	return ""
}

// FlattenTurnItems 把 thread 响应中 turns→items 的嵌套表示摊平为
// 按时间顺序排列的原始 item 对象列表。分批/让出由调用方负责。
func FlattenTurnItems(thread map[string]any) []map[string]any {
	if thread == nil {
		return nil
	}
	turns, ok := SliceValue(thread, "turns")
	if !ok {
		return nil
	}
	var flat []map[string]any
	for _, rawTurn := range turns {
		turn, ok := rawTurn.(map[string]any)
		if !ok {
			continue
		}
		items, ok := SliceValue(turn, "items")
		if !ok {
			continue
		}
		for _, rawItem := range items {
			if item, ok := rawItem.(map[string]any); ok {
				flat = append(flat, item)
			}
		}
	}
	return flat
}
