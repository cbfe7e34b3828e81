// extract.go — 防御式字段提取原语。
//
// 上游协议有多版荷载形状 (camelCase / snake_case / 嵌套层级不同)，
// 所有读取都以 "有序候选列表, 取第一个命中" 的方式进行，绝不 panic。
package normalize

import (
	"encoding/json"
	"strings"
)

// FirstString 按顺序查找第一个非空字符串字段。
func FirstString(payload map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if text, ok := value.(string); ok {
			text = strings.TrimSpace(text)
			if text != "" {
				return text, true
			}
		}
	}
	return "", false
}

// NestedValue 按路径逐层下钻, 任意一层缺失或类型不符即失败。
func NestedValue(payload map[string]any, path ...string) (any, bool) {
	if payload == nil || len(path) == 0 {
		return nil, false
	}
	current := any(payload)
	for _, key := range path {
		nextMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := nextMap[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// NestedString 按路径提取非空字符串。
func NestedString(payload map[string]any, path ...string) (string, bool) {
	value, ok := NestedValue(payload, path...)
	if !ok {
		return "", false
	}
	text, ok := value.(string)
	if !ok {
		return "", false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	return text, true
}

// MapValue 提取 map 字段 (数组不算)。
func MapValue(payload map[string]any, key string) (map[string]any, bool) {
	m, ok := payload[key].(map[string]any)
	return m, ok
}

// SliceValue 提取数组字段。
func SliceValue(payload map[string]any, key string) ([]any, bool) {
	s, ok := payload[key].([]any)
	return s, ok
}

// IntValue 将 JSON 解码出的任意数值形态转为 int。
// 接受 float64 / int / int64 / json.Number / 数字字符串。
func IntValue(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return 0, false
		}
		if n, err := json.Number(text).Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// FloatValue 同 IntValue, 但保留小数。
func FloatValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return 0, false
		}
		if f, err := json.Number(text).Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// FirstInt 按顺序查找第一个可解析为 int 的字段。
func FirstInt(payload map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if n, ok := IntValue(value); ok {
			return n, true
		}
	}
	return 0, false
}

// FirstIntByPaths 按多条嵌套路径查找第一个 int。
func FirstIntByPaths(payload map[string]any, paths ...[]string) (int, bool) {
	for _, path := range paths {
		if len(path) == 0 {
			continue
		}
		value, ok := NestedValue(payload, path...)
		if !ok {
			continue
		}
		if n, ok := IntValue(value); ok {
			return n, true
		}
	}
	return 0, false
}

// FirstIntDeep 先查平铺字段, 再下钻 msg/data/payload 一层。
func FirstIntDeep(payload map[string]any, keys ...string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	if n, ok := FirstInt(payload, keys...); ok {
		return n, true
	}
	for _, key := range []string{"msg", "data", "payload"} {
		nested, ok := payload[key].(map[string]any)
		if !ok {
			continue
		}
		if n, ok := FirstInt(nested, keys...); ok {
			return n, true
		}
	}
	return 0, false
}

// BoolValue 将任意形态转为 bool。接受 bool 与 "true"/"1"/"yes" 字符串。
func BoolValue(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}
