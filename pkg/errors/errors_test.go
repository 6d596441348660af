// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("broken pipe")
	he := New(CodeEmptyResponse, "worker closed its output", cause)

	if he.Code != CodeEmptyResponse {
		t.Errorf("expected CodeEmptyResponse, got %v", he.Code)
	}
	if he.Message != "worker closed its output" {
		t.Errorf("unexpected message %q", he.Message)
	}
	if he.Err != cause {
		t.Errorf("expected cause to be preserved")
	}
	if !errors.Is(he, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithContext(t *testing.T) {
	he := New(CodeWorkerError, "worker failed", nil)
	he.WithContext("worker", "video_snapshot").
		WithContext("method", "tools/call")

	if he.Context["worker"] != "video_snapshot" {
		t.Errorf("expected context worker to be 'video_snapshot'")
	}
	if he.Context["method"] != "tools/call" {
		t.Errorf("expected context method to be set")
	}
}

func TestWithRecoverable(t *testing.T) {
	he := New(CodeTimeout, "slow worker", nil)
	if he.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}

	he.WithRecoverable(true)
	if !he.Recoverable {
		t.Errorf("expected recoverable to be true after WithRecoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		he       *HubError
		expected string
	}{
		{
			name:     "with cause",
			he:       New(CodeTimeout, "exchange timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] exchange timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			he:       New(CodeNotFound, "unknown worker", nil),
			expected: "[NOT_FOUND] unknown worker",
		},
		{
			name:     "formatted",
			he:       Newf(CodeInvalidDescriptor, "descriptor %s has no command", "skill.json"),
			expected: "[INVALID_DESCRIPTOR] descriptor skill.json has no command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.he.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("call failed: %w", New(CodeMalformedResponse, "bad json", nil))

	if !errors.Is(err, New(CodeMalformedResponse, "", nil)) {
		t.Errorf("expected errors.Is to match on code through wrapping")
	}
	if errors.Is(err, New(CodeEmptyResponse, "", nil)) {
		t.Errorf("expected errors.Is not to match a different code")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("expected empty code for nil, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("expected empty code for plain error, got %q", got)
	}
	wrapped := fmt.Errorf("outer: %w", New(CodeSpawnFailed, "exec failed", nil))
	if got := CodeOf(wrapped); got != CodeSpawnFailed {
		t.Errorf("expected CodeSpawnFailed, got %q", got)
	}
	if !HasCode(wrapped, CodeSpawnFailed) {
		t.Errorf("expected HasCode to report true")
	}
}

func TestAsHubError(t *testing.T) {
	if AsHubError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}

	original := New(CodeHandshakeFailed, "initialize rejected", nil)
	if got := AsHubError(fmt.Errorf("wrap: %w", original)); got != original {
		t.Errorf("expected the original HubError to be returned")
	}

	plain := errors.New("boom")
	got := AsHubError(plain)
	if got.Code != CodeInternal {
		t.Errorf("expected CodeInternal for plain errors, got %v", got.Code)
	}
	if !errors.Is(got, plain) {
		t.Errorf("expected wrapped plain error to be reachable")
	}
}

func TestMarshalJSON(t *testing.T) {
	he := New(CodeWorkerError, "worker answered with error", errors.New("bad arguments")).
		WithContext("worker", "git").
		WithRecoverable(true)

	data, err := json.Marshal(he)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["code"] != "WORKER_ERROR" {
		t.Errorf("expected code WORKER_ERROR, got %v", decoded["code"])
	}
	if decoded["error"] != "bad arguments" {
		t.Errorf("expected cause in error field, got %v", decoded["error"])
	}
	if decoded["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
	ctx, ok := decoded["context"].(map[string]interface{})
	if !ok || ctx["worker"] != "git" {
		t.Errorf("expected context.worker=git, got %v", decoded["context"])
	}
}
