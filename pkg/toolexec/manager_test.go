// Copyright 2025 The Kernelforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package toolexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// fakeTool is a minimal CallableTool for manager tests.
type fakeTool struct {
	name     string
	mutates  bool
	schema   map[string]any
	result   *tool.Result
	callErr  error
	called   int
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake tool for tests" }
func (t *fakeTool) Mutates() bool       { return t.mutates }
func (t *fakeTool) Schema() map[string]any { return t.schema }

func (t *fakeTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	t.called++
	if t.callErr != nil {
		return nil, t.callErr
	}
	if t.result != nil {
		return t.result, nil
	}
	return &tool.Result{Content: "ok"}, nil
}

func callOf(id, name, args string) conversation.ToolCall {
	return conversation.ToolCall{
		ID:   id,
		Type: "function",
		Function: conversation.ToolCallFunction{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestExecuteToolCall_ToolNotFound(t *testing.T) {
	reg := registry.NewToolRegistry()
	mgr := New(reg, nil, Config{})

	result := mgr.ExecuteToolCall(context.Background(), callOf("1", "missing", "{}"), tool.ApprovalModeDefault, nil)
	if result.Success {
		t.Fatalf("expected failure for missing tool")
	}
	if result.Error == "" {
		t.Fatalf("expected error message")
	}
}

func TestExecuteToolCall_InvalidJSON(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "echo"}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	result := mgr.ExecuteToolCall(context.Background(), callOf("1", "echo", "{not json"), tool.ApprovalModeDefault, nil)
	if result.Success {
		t.Fatalf("expected failure for invalid argument JSON")
	}
}

func TestExecuteToolCall_SchemaViolation(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{
		name: "greet",
		schema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
	}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	result := mgr.ExecuteToolCall(context.Background(), callOf("1", "greet", "{}"), tool.ApprovalModeDefault, nil)
	if result.Success {
		t.Fatalf("expected schema validation failure, got success")
	}
	if ft.called != 0 {
		t.Fatalf("tool should not be invoked when schema validation fails")
	}
}

// awaitExecutionState polls mgr.Execution(id) until it reports state, or
// fails the test if it never does within the deadline.
func awaitExecutionState(t *testing.T, mgr *Manager, id string, state State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := mgr.Execution(id); ok && snap.State == state {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("execution %q never reached state %q", id, state)
}

func TestExecuteToolCall_DefaultPolicySuspendsUntilApprovalGranted(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "rm", mutates: true}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	resultCh := make(chan conversation.ToolResult, 1)
	go func() {
		resultCh <- mgr.ExecuteToolCall(context.Background(), callOf("approve-me", "rm", "{}"), tool.ApprovalModeDefault, nil)
	}()

	awaitExecutionState(t, mgr, "approve-me", StateAwaitingApproval)
	if ft.called != 0 {
		t.Fatalf("tool must not run while suspended on the approval queue")
	}

	if err := mgr.ResolveApproval("approve-me", true); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	select {
	case result := <-resultCh:
		if !result.Success {
			t.Fatalf("expected success once approved, got error: %s", result.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the approved call to complete")
	}
	if ft.called != 1 {
		t.Fatalf("expected tool to be invoked exactly once, got %d", ft.called)
	}
}

func TestExecuteToolCall_DefaultPolicyDeniedWhenApprovalRefused(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "rm", mutates: true}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	resultCh := make(chan conversation.ToolResult, 1)
	go func() {
		resultCh <- mgr.ExecuteToolCall(context.Background(), callOf("deny-me", "rm", "{}"), tool.ApprovalModeDefault, nil)
	}()

	awaitExecutionState(t, mgr, "deny-me", StateAwaitingApproval)
	if err := mgr.ResolveApproval("deny-me", false); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	select {
	case result := <-resultCh:
		if result.Success {
			t.Fatalf("expected denial once the human refused approval")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the denied call to complete")
	}
	if ft.called != 0 {
		t.Fatalf("denied call must never reach the tool")
	}
}

func TestExecuteToolCall_DefaultPolicyAbortsOnContextCancelWhileAwaitingApproval(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "rm", mutates: true}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan conversation.ToolResult, 1)
	go func() {
		resultCh <- mgr.ExecuteToolCall(ctx, callOf("cancel-me", "rm", "{}"), tool.ApprovalModeDefault, nil)
	}()

	awaitExecutionState(t, mgr, "cancel-me", StateAwaitingApproval)
	cancel()

	select {
	case result := <-resultCh:
		if result.Success {
			t.Fatalf("expected the call to fail when its context is cancelled mid-approval")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the cancelled call to unwind")
	}
}

func TestResolveApproval_UnknownExecutionIDReturnsError(t *testing.T) {
	mgr := New(registry.NewToolRegistry(), nil, Config{})
	if err := mgr.ResolveApproval("does-not-exist", true); err == nil {
		t.Fatalf("expected an error resolving an execution that was never submitted")
	}
}

func TestExecuteToolCall_YOLOApprovesEverything(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "rm", mutates: true}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	result := mgr.ExecuteToolCall(context.Background(), callOf("1", "rm", "{}"), tool.ApprovalModeYOLO, nil)
	if !result.Success {
		t.Fatalf("expected success under yolo policy, got error: %s", result.Error)
	}
	if ft.called != 1 {
		t.Fatalf("expected tool to be invoked exactly once, got %d", ft.called)
	}
}

func TestExecuteToolCall_PlanPolicyRestrictsToAllowedTools(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "rm", mutates: true}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	denied := mgr.ExecuteToolCall(context.Background(), callOf("1", "rm", "{}"), tool.ApprovalModePlan, []string{"other"})
	if denied.Success {
		t.Fatalf("expected denial: rm is not in allowed_tools")
	}

	allowed := mgr.ExecuteToolCall(context.Background(), callOf("2", "rm", "{}"), tool.ApprovalModePlan, []string{"rm"})
	if !allowed.Success {
		t.Fatalf("expected success: rm is in allowed_tools, got error: %s", allowed.Error)
	}
}

func TestExecuteToolCall_DuplicateCallID(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "echo"}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	first := mgr.ExecuteToolCall(context.Background(), callOf("dup", "echo", "{}"), tool.ApprovalModeDefault, nil)
	if !first.Success {
		t.Fatalf("first call should succeed, got error: %s", first.Error)
	}

	second := mgr.ExecuteToolCall(context.Background(), callOf("dup", "echo", "{}"), tool.ApprovalModeDefault, nil)
	if second.Success {
		t.Fatalf("expected duplicate call id to fail")
	}
}

func TestExecuteToolCall_NewTurnResetsDuplicateTracking(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "echo"}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	mgr.ExecuteToolCall(context.Background(), callOf("dup", "echo", "{}"), tool.ApprovalModeDefault, nil)
	mgr.NewTurn()
	result := mgr.ExecuteToolCall(context.Background(), callOf("dup", "echo", "{}"), tool.ApprovalModeDefault, nil)
	if !result.Success {
		t.Fatalf("expected call id to be reusable after NewTurn, got error: %s", result.Error)
	}
}

func TestExecuteToolCall_ToolRuntimeErrorSurfacesAsFailedResult(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "flaky", callErr: errors.New("boom")}
	if err := reg.RegisterLocal(ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	result := mgr.ExecuteToolCall(context.Background(), callOf("1", "flaky", "{}"), tool.ApprovalModeYOLO, nil)
	if result.Success {
		t.Fatalf("expected failure result, not a panic or dropped error")
	}
}

func TestExecuteToolCall_ExternalToolUnavailableWithoutDispatcher(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "remote_search"}
	if err := reg.RegisterExternal("weather-domain", ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg, nil, Config{})

	result := mgr.ExecuteToolCall(context.Background(), callOf("1", "remote_search", "{}"), tool.ApprovalModeYOLO, nil)
	if result.Success {
		t.Fatalf("expected failure: no external dispatcher wired")
	}
}

type stubDispatcher struct {
	result *tool.Result
	err    error
}

func (d *stubDispatcher) CallTool(ctx context.Context, serverRef, toolName string, args map[string]any) (*tool.Result, error) {
	return d.result, d.err
}

func TestExecuteToolCall_ExternalToolDispatchedThroughFleet(t *testing.T) {
	reg := registry.NewToolRegistry()
	ft := &fakeTool{name: "remote_search"}
	if err := reg.RegisterExternal("weather-domain", ft); err != nil {
		t.Fatalf("register: %v", err)
	}
	dispatcher := &stubDispatcher{result: &tool.Result{Content: "sunny"}}
	mgr := New(reg, dispatcher, Config{})

	result := mgr.ExecuteToolCall(context.Background(), callOf("1", "remote_search", "{}"), tool.ApprovalModeYOLO, nil)
	if !result.Success {
		t.Fatalf("expected success dispatching through fleet, got error: %s", result.Error)
	}
	if result.LLMContent != "sunny" {
		t.Fatalf("expected content from dispatcher, got %q", result.LLMContent)
	}
}
