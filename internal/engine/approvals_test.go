// approvals_test.go — 审批签名、问题归一化、裁决入队。
package engine

import (
	"errors"
	"testing"

	"github.com/codexmonitor/threadsync/internal/appserver"
	apperrors "github.com/codexmonitor/threadsync/pkg/errors"
)

func TestApprovalSignature_IgnoresVolatileKeys(t *testing.T) {
	a := approvalSignature("item/commandExecution/requestApproval", map[string]any{
		"command": "rm -rf build", "cwd": "/repo", "requestId": float64(1), "turnId": "x",
	})
	b := approvalSignature("item/commandExecution/requestApproval", map[string]any{
		"command": "rm -rf build", "cwd": "/repo", "requestId": float64(99), "turnId": "y",
	})
	if a != b {
		t.Errorf("signatures differ for same command:\n a=%s\n b=%s", a, b)
	}

	c := approvalSignature("item/commandExecution/requestApproval", map[string]any{
		"command": "rm -rf dist", "cwd": "/repo",
	})
	if a == c {
		t.Error("signatures equal for different commands")
	}
}

func TestApprovalRequest_QueuedWhenNotAllowlisted(t *testing.T) {
	eng, store, bridge := newTestEngine()
	requestID := int64(7)

	eng.HandleNotification(appserver.Notification{
		WorkspaceID: "ws-1",
		Method:      "item/commandExecution/requestApproval",
		Params:      map[string]any{"threadId": "t1", "command": "go test"},
		RequestID:   &requestID,
	})

	pending := store.PendingApprovals()
	if len(pending) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(pending))
	}
	if pending[0].RequestID != "ws-1#7" {
		t.Errorf("RequestID = %q, want %q", pending[0].RequestID, "ws-1#7")
	}
	if pending[0].ThreadID != "t1" {
		t.Errorf("ThreadID = %q, want t1", pending[0].ThreadID)
	}
	if got := len(bridge.byType("approval-request")); got != 1 {
		t.Errorf("bridge approval-request count = %d, want 1", got)
	}
}

func TestUserInputRequest_NormalizesQuestions(t *testing.T) {
	eng, store, _ := newTestEngine()
	requestID := int64(3)

	eng.HandleNotification(appserver.Notification{
		WorkspaceID: "ws-1",
		Method:      "item/tool/requestUserInput",
		Params: map[string]any{
			"threadId": "t1",
			"questions": []any{
				map[string]any{
					"id":       "q-color",
					"header":   "Theme",
					"question": "Pick a color",
					"options": []any{
						map[string]any{"label": "red", "description": "warm"},
						"blue",
					},
				},
				map[string]any{"question": "Free form", "isOther": true},
			},
		},
		RequestID: &requestID,
	})

	pending := store.PendingUserInputs()
	if len(pending) != 1 {
		t.Fatalf("pending user inputs = %d, want 1", len(pending))
	}
	questions, ok := pending[0].Params["questions"].([]map[string]any)
	if !ok || len(questions) != 2 {
		t.Fatalf("questions = %#v, want 2 normalized entries", pending[0].Params["questions"])
	}
	if questions[0]["id"] != "q-color" {
		t.Errorf("q0 id = %v, want q-color", questions[0]["id"])
	}
	opts := questions[0]["options"].([]map[string]any)
	if len(opts) != 2 || opts[1]["label"] != "blue" {
		t.Errorf("q0 options = %#v", opts)
	}
	// 缺 id 的问题按下标补位
	if questions[1]["id"] != "q1" {
		t.Errorf("q1 id = %v, want q1", questions[1]["id"])
	}
	if questions[1]["isOther"] != true {
		t.Errorf("q1 isOther = %v, want true", questions[1]["isOther"])
	}
}

func TestResolveApproval_UnknownRequest(t *testing.T) {
	eng, _, _ := newTestEngine()
	err := eng.ResolveApproval("ws-1#404", "approved", false)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNormalizeQuestions_MissingArray(t *testing.T) {
	if got := normalizeQuestions(map[string]any{"foo": 1}); got != nil {
		t.Errorf("normalizeQuestions = %#v, want nil", got)
	}
}
