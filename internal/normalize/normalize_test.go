// normalize_test.go — 多形状荷载的提取回退链。
package normalize

import (
	"reflect"
	"testing"
)

func TestThreadID_FallbackChain(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"top level camel", map[string]any{"threadId": "t-1"}, "t-1"},
		{"top level snake", map[string]any{"thread_id": "t-2"}, "t-2"},
		{"conversation alias", map[string]any{"conversationId": "t-3"}, "t-3"},
		{"nested in msg", map[string]any{"msg": map[string]any{"thread_id": "t-4"}}, "t-4"},
		{"nested in turn", map[string]any{"turn": map[string]any{"threadId": "t-5"}}, "t-5"},
		{"nested in info", map[string]any{"info": map[string]any{"conversation_id": "t-6"}}, "t-6"},
		{"top level wins over nested", map[string]any{"threadId": "top", "msg": map[string]any{"threadId": "nested"}}, "top"},
		{"blank treated as missing", map[string]any{"threadId": "  ", "msg": map[string]any{"threadId": "t-7"}}, "t-7"},
		{"nil params", nil, ""},
		{"wrong type ignored", map[string]any{"threadId": 42}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ThreadID(tt.params); got != tt.want {
				t.Errorf("ThreadID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTurnID_NestedTurnObject(t *testing.T) {
	params := map[string]any{"turn": map[string]any{"id": "turn-9"}}
	if got := TurnID(params); got != "turn-9" {
		t.Errorf("TurnID() = %q, want turn-9", got)
	}
	// 顶层 id 不算回合 id, 只在 turn 子对象内接受
	if got := TurnID(map[string]any{"id": "not-a-turn"}); got != "" {
		t.Errorf("TurnID() = %q, want empty", got)
	}
}

func TestItemID_NestedItemObject(t *testing.T) {
	if got := ItemID(map[string]any{"itemId": "i-1"}); got != "i-1" {
		t.Errorf("ItemID() = %q, want i-1", got)
	}
	if got := ItemID(map[string]any{"item": map[string]any{"id": "i-2"}}); got != "i-2" {
		t.Errorf("ItemID() = %q, want i-2", got)
	}
}

func TestRootPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/home/dev/project", "/home/dev/project"},
		{"/home/dev/project/", "/home/dev/project"},
		{`C:\work\repo\`, "C:/work/repo"},
		{"  /padded/  ", "/padded"},
		{"/", "/"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := RootPath(tt.in); got != tt.want {
			t.Errorf("RootPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIntValue_Coercions(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		want  int
		wantO bool
	}{
		{"float64", float64(7), 7, true},
		{"int", 3, 3, true},
		{"numeric string", "42", 42, true},
		{"padded string", " 9 ", 9, true},
		{"garbage string", "abc", 0, false},
		{"empty string", "", 0, false},
		{"bool", true, 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := IntValue(tt.in)
			if got != tt.want || ok != tt.wantO {
				t.Errorf("IntValue(%v) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantO)
			}
		})
	}
}

func TestBoolValue(t *testing.T) {
	truthy := []any{true, "true", "1", "yes", " TRUE "}
	for _, v := range truthy {
		if !BoolValue(v) {
			t.Errorf("BoolValue(%v) = false, want true", v)
		}
	}
	falsy := []any{false, "false", "0", "no", "", nil, 1}
	for _, v := range falsy {
		if BoolValue(v) {
			t.Errorf("BoolValue(%v) = true, want false", v)
		}
	}
}

func TestTokenUsageFromParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   TokenUsage
		wantOK bool
	}{
		{
			"structured container",
			map[string]any{"tokenUsage": map[string]any{
				"last":               map[string]any{"totalTokens": float64(120)},
				"total":              map[string]any{"totalTokens": float64(4500)},
				"modelContextWindow": float64(200000),
			}},
			TokenUsage{LastTokens: 120, TotalTokens: 4500, ContextWindowTokens: 200000},
			true,
		},
		{
			"snake flat under msg.info",
			map[string]any{"msg": map[string]any{"info": map[string]any{
				"total_token_usage": map[string]any{"total_tokens": float64(900)},
			}}},
			TokenUsage{TotalTokens: 900},
			true,
		},
		{
			"input plus output fallback",
			map[string]any{"usage": map[string]any{
				"input_tokens":  float64(30),
				"output_tokens": float64(70),
			}},
			TokenUsage{TotalTokens: 100},
			true,
		},
		{"no usage anywhere", map[string]any{"threadId": "t"}, TokenUsage{}, false},
		{"all zero is a miss", map[string]any{"totalTokens": float64(0)}, TokenUsage{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TokenUsageFromParams(tt.params)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("TokenUsageFromParams() = (%+v, %v), want (%+v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTokenUsageFromThread_ScansTurnsNewestFirst(t *testing.T) {
	thread := map[string]any{
		"turns": []any{
			map[string]any{"usage": map[string]any{"totalTokens": float64(100)}},
			map[string]any{"info": map[string]any{"totalTokens": float64(250)}},
		},
	}
	usage, ok := TokenUsageFromThread(thread)
	if !ok || usage.TotalTokens != 250 {
		t.Errorf("usage = (%+v, %v), want total 250 from last turn", usage, ok)
	}
}

func TestUsedPercent_Clamped(t *testing.T) {
	u := TokenUsage{TotalTokens: 150, ContextWindowTokens: 100}
	if got := u.UsedPercent(); got != 100 {
		t.Errorf("UsedPercent = %v, want clamp to 100", got)
	}
	if got := (TokenUsage{TotalTokens: 50}).UsedPercent(); got != 0 {
		t.Errorf("UsedPercent without window = %v, want 0", got)
	}
}

func TestRateLimitsFromParams(t *testing.T) {
	params := map[string]any{"rate_limits": map[string]any{
		"primary":   map[string]any{"used_percent": float64(42.5), "window_minutes": float64(300)},
		"secondary": map[string]any{"resets_in_seconds": float64(3600)},
	}}
	snap, ok := RateLimitsFromParams(params)
	if !ok {
		t.Fatal("RateLimitsFromParams() ok = false")
	}
	if snap.Primary == nil || snap.Primary.UsedPercent != 42.5 || snap.Primary.WindowMinutes != 300 {
		t.Errorf("Primary = %+v", snap.Primary)
	}
	if snap.Secondary == nil || snap.Secondary.ResetsSeconds != 3600 {
		t.Errorf("Secondary = %+v", snap.Secondary)
	}

	if _, ok := RateLimitsFromParams(map[string]any{"rateLimits": map[string]any{}}); ok {
		t.Error("empty container parsed as snapshot")
	}
}

func TestPlanFromParams_StepShapes(t *testing.T) {
	params := map[string]any{
		"turnId":      "turn-1",
		"explanation": "refactor",
		"plan": []any{
			map[string]any{"step": "read files", "status": "completed"},
			map[string]any{"text": "write tests", "state": "inProgress"},
			"plain string step",
			map[string]any{"status": "orphan status dropped"},
		},
	}
	plan, ok := PlanFromParams(params)
	if !ok {
		t.Fatal("PlanFromParams() ok = false")
	}
	want := []PlanStep{
		{Step: "read files", Status: "completed"},
		{Step: "write tests", Status: "inProgress"},
		{Step: "plain string step"},
	}
	if plan.TurnID != "turn-1" || plan.Explanation != "refactor" {
		t.Errorf("plan meta = %+v", plan)
	}
	if !reflect.DeepEqual(plan.Steps, want) {
		t.Errorf("Steps = %+v, want %+v", plan.Steps, want)
	}

	if _, ok := PlanFromParams(map[string]any{"turnId": "x"}); ok {
		t.Error("empty plan parsed as update")
	}
}

func TestItemFromPayload(t *testing.T) {
	tests := []struct {
		name     string
		payload  map[string]any
		wantKind ItemKind
		wantRole string
		wantText string
		wantOK   bool
	}{
		{
			"agent message with content array",
			map[string]any{"id": "i1", "type": "agentMessage", "content": []any{
				map[string]any{"type": "text", "text": "hello "},
				map[string]any{"type": "image", "url": "x"},
				map[string]any{"type": "text", "text": "world"},
			}},
			ItemKindMessage, "assistant", "hello world", true,
		},
		{
			"user message snake type",
			map[string]any{"id": "i2", "type": "user_message", "text": "hi"},
			ItemKindMessage, "user", "hi", true,
		},
		{
			"command execution",
			map[string]any{"id": "i3", "type": "localShellCall"},
			ItemKindCommand, "", "", true,
		},
		{
			"explicit role overrides classification",
			map[string]any{"id": "i4", "type": "agentMessage", "role": "system"},
			ItemKindMessage, "system", "", true,
		},
		{
			"unknown type keeps id",
			map[string]any{"id": "i5", "type": "somethingNew"},
			ItemKindOther, "", "", true,
		},
		{"no id no type", map[string]any{"text": "orphan"}, "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := ItemFromPayload(tt.payload)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if item.Kind != tt.wantKind || item.Role != tt.wantRole || item.Text != tt.wantText {
				t.Errorf("item = %+v, want kind %q role %q text %q", item, tt.wantKind, tt.wantRole, tt.wantText)
			}
		})
	}
}

func TestFlattenTurnItems(t *testing.T) {
	thread := map[string]any{
		"turns": []any{
			map[string]any{"items": []any{
				map[string]any{"id": "a"},
				"not a map",
			}},
			map[string]any{"noItems": true},
			map[string]any{"items": []any{map[string]any{"id": "b"}}},
		},
	}
	flat := FlattenTurnItems(thread)
	if len(flat) != 2 {
		t.Fatalf("len = %d, want 2", len(flat))
	}
	if flat[0]["id"] != "a" || flat[1]["id"] != "b" {
		t.Errorf("flat = %v, order lost", flat)
	}
	if FlattenTurnItems(nil) != nil {
		t.Error("nil thread should yield nil")
	}
}
