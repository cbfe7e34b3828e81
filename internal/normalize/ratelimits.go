// ratelimits.go — 账户速率限制快照归一化。
package normalize

// RateLimitWindow 单个限流窗口。
type RateLimitWindow struct {
	UsedPercent   float64 `json:"usedPercent"`
	WindowMinutes int     `json:"windowMinutes"`
	ResetsSeconds int     `json:"resetsSeconds"`
}

// RateLimitSnapshot 按工作区缓存的限流快照 (主/副窗口 + 额度)。
type RateLimitSnapshot struct {
	Primary    *RateLimitWindow `json:"primary,omitempty"`
	Secondary  *RateLimitWindow `json:"secondary,omitempty"`
	CreditsPct *float64         `json:"creditsPct,omitempty"`
	CapturedAt string           `json:"capturedAt,omitempty"`
}

// IsEmpty 快照不含任何窗口或额度信息。
//
// 空快照不进入粘性缓存 (见 sticky 策略), 避免把断连期间的空读数
// 当作真实状态缓存下来。
func (s RateLimitSnapshot) IsEmpty() bool {
	return s.Primary == nil && s.Secondary == nil && s.CreditsPct == nil
}

// windowFromObject 解析单个限流窗口对象。
func windowFromObject(m map[string]any) *RateLimitWindow {
	if m == nil {
		return nil
	}
	var w RateLimitWindow
	hit := false
	if pct, ok := firstFloat(m, "usedPercent", "used_percent"); ok {
		w.UsedPercent = pct
		hit = true
	}
	if minutes, ok := FirstInt(m, "windowMinutes", "window_minutes", "window_duration_mins"); ok {
		w.WindowMinutes = minutes
		hit = true
	}
	if resets, ok := FirstInt(m, "resetsInSeconds", "resets_in_seconds", "resetsSeconds", "resets_seconds"); ok {
		w.ResetsSeconds = resets
		hit = true
	}
	if !hit {
		return nil
	}
	return &w
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		value, ok := m[key]
		if !ok {
			continue
		}
		if f, ok := FloatValue(value); ok {
			return f, true
		}
	}
	return 0, false
}

// RateLimitsFromParams 从 account/rateLimits/updated 荷载提取快照。
//
// 容器回退链: rateLimits → rate_limits → 顶层平铺。
func RateLimitsFromParams(params map[string]any) (RateLimitSnapshot, bool) {
	if params == nil {
		return RateLimitSnapshot{}, false
	}
	container := params
	for _, key := range []string{"rateLimits", "rate_limits"} {
		if m, ok := MapValue(params, key); ok {
			container = m
			break
		}
	}

	var snap RateLimitSnapshot
	if primary, ok := MapValue(container, "primary"); ok {
		snap.Primary = windowFromObject(primary)
	}
	if secondary, ok := MapValue(container, "secondary"); ok {
		snap.Secondary = windowFromObject(secondary)
	}
	if pct, ok := firstFloat(container, "creditsPct", "credits_pct", "creditBalancePct", "credit_balance_pct"); ok {
		snap.CreditsPct = &pct
	}
	if snap.IsEmpty() {
		return RateLimitSnapshot{}, false
	}
	return snap, true
}
