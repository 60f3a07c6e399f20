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

package turn

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/llm"
	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/retry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/toolexec"
)

// scriptedLLM replays one llm.Response per call, in order.
type scriptedLLM struct {
	responses [][]*llm.Response
	calls     int
	callErr   error
}

func (m *scriptedLLM) Name() string           { return "scripted" }
func (m *scriptedLLM) Provider() llm.Provider { return llm.ProviderOpenAI }
func (m *scriptedLLM) Close() error           { return nil }

func (m *scriptedLLM) GenerateContent(ctx context.Context, req *llm.Request, stream bool) iter.Seq2[*llm.Response, error] {
	return func(yield func(*llm.Response, error) bool) {
		if m.callErr != nil {
			yield(nil, m.callErr)
			return
		}
		idx := m.calls
		m.calls++
		if idx >= len(m.responses) {
			yield(nil, fmt.Errorf("scriptedLLM: no response scripted for call %d", idx))
			return
		}
		for _, r := range m.responses[idx] {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// echoTool is a minimal CallableTool for turn engine tests.
type echoTool struct{ name string }

func (t *echoTool) Name() string              { return t.name }
func (t *echoTool) Description() string       { return "echo" }
func (t *echoTool) Mutates() bool             { return false }
func (t *echoTool) Schema() map[string]any    { return nil }
func (t *echoTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return &tool.Result{Content: "echoed"}, nil
}

func newManager(t *testing.T, tools ...tool.Tool) *toolexec.Manager {
	t.Helper()
	reg := registry.NewToolRegistry()
	for _, tl := range tools {
		if err := reg.RegisterLocal(tl); err != nil {
			t.Fatalf("register tool: %v", err)
		}
	}
	return toolexec.New(reg, nil, toolexec.Config{})
}

func noRetry() *retry.Controller {
	return retry.New(retry.Config{MaxRetries: 0})
}

func buildIdentity(p *conversation.PromptObject) BuildRequest {
	return func(history []conversation.Message) *llm.Request {
		return &llm.Request{Messages: history}
	}
}

func collect(seq iter.Seq2[*Event, error]) []*Event {
	var out []*Event
	seq(func(e *Event, err error) bool {
		out = append(out, e)
		return true
	})
	return out
}

func TestRun_FinishesImmediatelyWithNoToolCalls(t *testing.T) {
	model := &scriptedLLM{responses: [][]*llm.Response{
		{{Content: "hello there", FinishReason: llm.FinishReasonStop}},
	}}
	mgr := newManager(t)
	engine := New(model, mgr, noRetry(), Config{})

	p := &conversation.PromptObject{PromptID: "p1", Content: "hi", Role: conversation.RoleUser}
	events := collect(engine.Run(context.Background(), p, buildIdentity(p)))

	last := events[len(events)-1]
	if last.Type != EventFinished {
		t.Fatalf("expected final event to be EventFinished, got %+v", last)
	}
	if last.Final.Content != "hello there" {
		t.Fatalf("expected final content, got %q", last.Final.Content)
	}
	if p.Status != conversation.StatusCompleted {
		t.Fatalf("expected prompt object to be marked completed, got %s", p.Status)
	}
}

func TestRun_SingleToolRoundTrip(t *testing.T) {
	model := &scriptedLLM{responses: [][]*llm.Response{
		{{
			ToolCalls: []conversation.ToolCall{
				{ID: "1", Type: "function", Function: conversation.ToolCallFunction{Name: "echo", Arguments: "{}"}},
			},
			FinishReason: llm.FinishReasonToolCalls,
		}},
		{{Content: "done", FinishReason: llm.FinishReasonStop}},
	}}
	mgr := newManager(t, &echoTool{name: "echo"})
	engine := New(model, mgr, noRetry(), Config{ApprovalMode: tool.ApprovalModeYOLO})

	p := &conversation.PromptObject{PromptID: "p1", Content: "hi", Role: conversation.RoleUser}
	events := collect(engine.Run(context.Background(), p, buildIdentity(p)))

	var sawRequest, sawResponse bool
	for _, e := range events {
		if e.Type == EventToolCallRequest {
			sawRequest = true
		}
		if e.Type == EventToolCallResponse {
			sawResponse = true
			if !e.Result.Success {
				t.Fatalf("expected tool call to succeed, got %+v", e.Result)
			}
		}
	}
	if !sawRequest || !sawResponse {
		t.Fatalf("expected both tool call request and response events")
	}

	last := events[len(events)-1]
	if last.Type != EventFinished || last.Final.Content != "done" {
		t.Fatalf("expected turn to finish with 'done', got %+v", last)
	}
}

func TestRun_ParallelToolCallsPreserveOriginalOrder(t *testing.T) {
	calls := []conversation.ToolCall{
		{ID: "1", Type: "function", Function: conversation.ToolCallFunction{Name: "a", Arguments: "{}"}},
		{ID: "2", Type: "function", Function: conversation.ToolCallFunction{Name: "b", Arguments: "{}"}},
		{ID: "3", Type: "function", Function: conversation.ToolCallFunction{Name: "c", Arguments: "{}"}},
	}
	model := &scriptedLLM{responses: [][]*llm.Response{
		{{ToolCalls: calls, FinishReason: llm.FinishReasonToolCalls}},
		{{Content: "done", FinishReason: llm.FinishReasonStop}},
	}}
	mgr := newManager(t, &echoTool{name: "a"}, &echoTool{name: "b"}, &echoTool{name: "c"})
	engine := New(model, mgr, noRetry(), Config{ApprovalMode: tool.ApprovalModeYOLO, ToolFanoutConcurrency: 3})

	p := &conversation.PromptObject{PromptID: "p1", Content: "hi", Role: conversation.RoleUser}
	events := collect(engine.Run(context.Background(), p, buildIdentity(p)))

	var order []string
	for _, e := range events {
		if e.Type == EventToolCallResponse {
			order = append(order, e.Result.ToolCallID)
		}
	}
	if len(order) != 3 || order[0] != "1" || order[1] != "2" || order[2] != "3" {
		t.Fatalf("expected tool call responses in original order [1 2 3], got %v", order)
	}
}

func TestRun_ExceedsMaxIterationsYieldsToolLoopExceeded(t *testing.T) {
	call := []conversation.ToolCall{
		{ID: "1", Type: "function", Function: conversation.ToolCallFunction{Name: "echo", Arguments: "{}"}},
	}
	responses := make([][]*llm.Response, 5)
	for i := range responses {
		responses[i] = []*llm.Response{{ToolCalls: call, FinishReason: llm.FinishReasonToolCalls}}
	}
	model := &scriptedLLM{responses: responses}
	mgr := newManager(t, &echoTool{name: "echo"})
	engine := New(model, mgr, noRetry(), Config{ApprovalMode: tool.ApprovalModeYOLO, MaxTurnIterations: 3})

	p := &conversation.PromptObject{PromptID: "p1", Content: "hi", Role: conversation.RoleUser}
	events := collect(engine.Run(context.Background(), p, buildIdentity(p)))

	last := events[len(events)-1]
	if last.Type != EventError || !errors.Is(last.Err, ErrToolLoopExceeded) {
		t.Fatalf("expected ErrToolLoopExceeded, got %+v", last)
	}
}

func TestRun_CancellationMidTurnYieldsCancelled(t *testing.T) {
	model := &scriptedLLM{responses: [][]*llm.Response{
		{{Content: "hello", FinishReason: llm.FinishReasonStop}},
	}}
	mgr := newManager(t)
	engine := New(model, mgr, noRetry(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &conversation.PromptObject{PromptID: "p1", Content: "hi", Role: conversation.RoleUser}
	events := collect(engine.Run(ctx, p, buildIdentity(p)))

	last := events[len(events)-1]
	if last.Type != EventError || !errors.Is(last.Err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %+v", last)
	}
}

func TestRun_RetryExhaustionPropagatesAsError(t *testing.T) {
	model := &scriptedLLM{callErr: fmt.Errorf("network: connection reset")}
	mgr := newManager(t)
	retrier := retry.New(retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond})
	engine := New(model, mgr, retrier, Config{})

	p := &conversation.PromptObject{PromptID: "p1", Content: "hi", Role: conversation.RoleUser}
	events := collect(engine.Run(context.Background(), p, buildIdentity(p)))

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("expected EventError after retry exhaustion, got %+v", last)
	}
}

func TestRun_StreamsContentDeltasBeforeFinal(t *testing.T) {
	model := &scriptedLLM{responses: [][]*llm.Response{
		{
			{ContentDelta: "hel", Partial: true},
			{ContentDelta: "lo", Partial: true},
			{Content: "hello", FinishReason: llm.FinishReasonStop},
		},
	}}
	mgr := newManager(t)
	engine := New(model, mgr, noRetry(), Config{})

	p := &conversation.PromptObject{PromptID: "p1", Content: "hi", Role: conversation.RoleUser}
	events := collect(engine.Run(context.Background(), p, buildIdentity(p)))

	var deltas string
	for _, e := range events {
		if e.Type == EventContent {
			deltas += e.Content
		}
	}
	if deltas != "hello" {
		t.Fatalf("expected concatenated content deltas 'hello', got %q", deltas)
	}
}
