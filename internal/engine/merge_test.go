// merge_test.go — 流式增量合并规则。
package engine

import "testing"

func TestMergeDelta(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		delta    string
		want     string
	}{
		{"空增量", "hello", "", "hello"},
		{"空基底", "", "hello", "hello"},
		{"全量快照覆盖", "hello", "hello world", "hello world"},
		{"旧块重放", "hello world", "hello", "hello world"},
		{"相同内容", "hello", "hello", "hello"},
		{"顺序拼接", "hello ", "world", "hello world"},
		{"无共同前缀", "abc", "xyz", "abcxyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeDelta(tt.existing, tt.delta)
			if got != tt.want {
				t.Errorf("MergeDelta(%q, %q) = %q, want %q", tt.existing, tt.delta, got, tt.want)
			}
		})
	}
}

// TestMergeDelta_Idempotent 同一增量重复施加不改变结果 (重连重放场景)。
func TestMergeDelta_Idempotent(t *testing.T) {
	deltas := []string{"He", "Hello", " wor", "ld"}
	var once, twice string
	for _, d := range deltas {
		once = MergeDelta(once, d)
	}
	for _, d := range deltas {
		twice = MergeDelta(twice, d)
		twice = MergeDelta(twice, d)
	}
	if once != "Hello world" {
		t.Fatalf("merged = %q, want %q", once, "Hello world")
	}
	if twice != once {
		t.Errorf("duplicated replay = %q, want %q", twice, once)
	}
}
