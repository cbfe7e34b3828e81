// tokens.go — token 用量归一化。
package normalize

// TokenUsage 规范化后的 token 用量: 末回合、累计与上下文窗口。
type TokenUsage struct {
	LastTokens          int `json:"lastTokens"`
	TotalTokens         int `json:"totalTokens"`
	ContextWindowTokens int `json:"contextWindowTokens"`
}

// IsZero 三个字段均未命中。
func (u TokenUsage) IsZero() bool {
	return u.LastTokens == 0 && u.TotalTokens == 0 && u.ContextWindowTokens == 0
}

// UsedPercent 已用窗口百分比, 截断到 [0, 100]。
func (u TokenUsage) UsedPercent() float64 {
	if u.ContextWindowTokens <= 0 {
		return 0
	}
	pct := float64(u.TotalTokens) / float64(u.ContextWindowTokens) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// LeftPercent 剩余窗口百分比。
func (u TokenUsage) LeftPercent() float64 {
	if u.ContextWindowTokens <= 0 {
		return 0
	}
	return 100 - u.UsedPercent()
}

// usageContainerKeys token 用量的结构化容器字段名变体。
var usageContainerKeys = []string{"tokenUsage", "token_usage", "usage"}

// TokenUsageCandidate 尝试把一个 map 识别为 token 用量对象。
//
// 先找结构化容器 (tokenUsage/token_usage/usage 子对象)，再把 map
// 本身当平铺形状解析; 任一字段命中即算候选。
func TokenUsageCandidate(m map[string]any) (TokenUsage, bool) {
	if m == nil {
		return TokenUsage{}, false
	}
	for _, key := range usageContainerKeys {
		if child, ok := MapValue(m, key); ok {
			if usage, ok := usageFromObject(child); ok {
				return usage, true
			}
		}
	}
	return usageFromObject(m)
}

// usageFromObject 从单个用量对象解析三个字段。
func usageFromObject(m map[string]any) (TokenUsage, bool) {
	var usage TokenUsage
	hit := false

	if last, ok := FirstIntByPaths(m,
		[]string{"last", "totalTokens"},
		[]string{"last", "total_tokens"},
		[]string{"last_token_usage", "total_tokens"},
		[]string{"lastTokenUsage", "totalTokens"},
	); ok {
		usage.LastTokens = max(0, last)
		hit = true
	} else if last, ok := FirstInt(m, "lastTokens", "last_tokens"); ok {
		usage.LastTokens = max(0, last)
		hit = true
	}

	if total, ok := FirstIntByPaths(m,
		[]string{"total", "totalTokens"},
		[]string{"total", "total_tokens"},
		[]string{"total_token_usage", "total_tokens"},
		[]string{"totalTokenUsage", "totalTokens"},
	); ok {
		usage.TotalTokens = max(0, total)
		hit = true
	} else if total, ok := FirstInt(m, "totalTokens", "total_tokens", "usedTokens", "used_tokens"); ok {
		usage.TotalTokens = max(0, total)
		hit = true
	}

	if window, ok := FirstInt(m,
		"modelContextWindow", "model_context_window",
		"contextWindowTokens", "context_window_tokens",
		"contextWindow", "context_window",
	); ok && window > 0 {
		usage.ContextWindowTokens = window
		hit = true
	}

	// 兜底: input + output 求和
	if usage.TotalTokens == 0 {
		input, hasInput := FirstInt(m, "inputTokens", "input_tokens", "prompt_tokens")
		output, hasOutput := FirstInt(m, "outputTokens", "output_tokens", "completion_tokens")
		if hasInput || hasOutput {
			usage.TotalTokens = max(0, input+output)
			hit = true
		}
	}

	if !hit || usage.IsZero() {
		return TokenUsage{}, false
	}
	return usage, true
}

// TokenUsageFromParams 从通知荷载提取 token 用量。
//
// 优先级: 顶层 → msg → msg.info → turn → info → payload，取第一个命中。
func TokenUsageFromParams(params map[string]any) (TokenUsage, bool) {
	if params == nil {
		return TokenUsage{}, false
	}
	if usage, ok := TokenUsageCandidate(params); ok {
		return usage, true
	}
	if msg, ok := MapValue(params, "msg"); ok {
		if usage, ok := TokenUsageCandidate(msg); ok {
			return usage, true
		}
		if info, ok := MapValue(msg, "info"); ok {
			if usage, ok := TokenUsageCandidate(info); ok {
				return usage, true
			}
		}
	}
	for _, key := range []string{"turn", "info", "payload"} {
		m, ok := MapValue(params, key)
		if !ok {
			continue
		}
		if usage, ok := TokenUsageCandidate(m); ok {
			return usage, true
		}
	}
	return TokenUsage{}, false
}

// TokenUsageFromThread 从 thread/resume 响应的 thread 对象提取 token 用量。
//
// 顶层无命中时, 倒序扫描 turns (最新在后)，依次尝试 turn 本体与 turn.info。
func TokenUsageFromThread(thread map[string]any) (TokenUsage, bool) {
	if thread == nil {
		return TokenUsage{}, false
	}
	if usage, ok := TokenUsageCandidate(thread); ok {
		return usage, true
	}
	turns, ok := SliceValue(thread, "turns")
	if !ok {
		return TokenUsage{}, false
	}
	for i := len(turns) - 1; i >= 0; i-- {
		turn, ok := turns[i].(map[string]any)
		if !ok {
			continue
		}
		if usage, ok := TokenUsageCandidate(turn); ok {
			return usage, true
		}
		if info, ok := MapValue(turn, "info"); ok {
			if usage, ok := TokenUsageCandidate(info); ok {
				return usage, true
			}
		}
	}
	return TokenUsage{}, false
}
