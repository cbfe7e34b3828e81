// merge.go — 流式文本增量的幂等合并。
package engine

// MergeDelta 把文本增量合并进已有文本。
//
// 服务端在重连/重放时可能重发包含已见前缀的增量, 规则保证幂等:
//   - delta 以 existing 开头 → 取 delta (全量覆盖);
//   - existing 以 delta 开头 → 保留 existing (旧块重放);
//   - 其余 → 顺序拼接。
func MergeDelta(existing, delta string) string {
	if delta == "" {
		return existing
	}
	if existing == "" {
		return delta
	}
	if len(delta) >= len(existing) && delta[:len(existing)] == existing {
		return delta
	}
	if len(existing) >= len(delta) && existing[:len(delta)] == delta {
		return existing
	}
	return existing + delta
}
