// plan.go — 回合计划 (plan) 归一化。
package normalize

// PlanStep 计划中的一个条目。
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// PlanUpdate 一次完整的计划更新, 每次整体替换, 不做合并。
type PlanUpdate struct {
	TurnID      string     `json:"turnId"`
	Explanation string     `json:"explanation"`
	Steps       []PlanStep `json:"steps"`
}

// PlanFromParams 从 turn/plan/updated 荷载提取计划。
//
// 条目数组字段名变体: plan / steps / items; 单条形状: {step, status}
// 或纯字符串。
func PlanFromParams(params map[string]any) (PlanUpdate, bool) {
	if params == nil {
		return PlanUpdate{}, false
	}
	update := PlanUpdate{TurnID: TurnID(params)}
	if explanation, ok := FirstString(params, "explanation"); ok {
		update.Explanation = explanation
	}

	var raw []any
	for _, key := range []string{"plan", "steps", "items"} {
		if s, ok := SliceValue(params, key); ok {
			raw = s
			break
		}
	}
	for _, entry := range raw {
		switch v := entry.(type) {
		case string:
			if v != "" {
				update.Steps = append(update.Steps, PlanStep{Step: v})
			}
		case map[string]any:
			step := PlanStep{}
			if text, ok := FirstString(v, "step", "text", "title"); ok {
				step.Step = text
			}
			if status, ok := FirstString(v, "status", "state"); ok {
				step.Status = status
			}
			if step.Step != "" {
				update.Steps = append(update.Steps, step)
			}
		}
	}

	if update.Explanation == "" && len(update.Steps) == 0 {
		return PlanUpdate{}, false
	}
	return update, true
}
