// sinks.go — 引擎对外的旁路输出: 桥接指令与调试事件。
package engine

import (
	"time"

	"github.com/google/uuid"
)

// BridgeCommand 投递给外部桥接消费者的指令。
type BridgeCommand struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	ThreadID    string `json:"threadId,omitempty"`
	Role        string `json:"role,omitempty"`
	Content     string `json:"content,omitempty"`
}

// BridgeSink 接收引擎产出的桥接指令。实现必须非阻塞或自带缓冲。
type BridgeSink interface {
	Send(cmd BridgeCommand)
}

// DebugEntry 一条调试流水, 供 dashboard 实时查看。
type DebugEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Label     string         `json:"label"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DebugSink 接收调试流水。
type DebugSink interface {
	Emit(entry DebugEntry)
}

// NewDebugEntry 构造带唯一 id 与时间戳的流水。
func NewDebugEntry(source, label string, payload map[string]any) DebugEntry {
	return DebugEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
		Label:     label,
		Payload:   payload,
	}
}

type nopBridgeSink struct{}

func (nopBridgeSink) Send(BridgeCommand) {}

type nopDebugSink struct{}

func (nopDebugSink) Emit(DebugEntry) {}
