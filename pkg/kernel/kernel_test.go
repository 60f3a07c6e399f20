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

package kernel

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orkestra-project/kernelforge/pkg/config"
	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/domain"
	"github.com/orkestra-project/kernelforge/pkg/llm"
	"github.com/orkestra-project/kernelforge/pkg/mcpfleet"
	"github.com/orkestra-project/kernelforge/pkg/mcpserver"
	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/retry"
	"github.com/orkestra-project/kernelforge/pkg/session"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/toolexec"
	"github.com/orkestra-project/kernelforge/pkg/turn"
)

// scriptedLLM replays one llm.Response batch per call, mirroring
// pkg/turn's own test double so E2E scenarios can be scripted without a
// live provider.
type scriptedLLM struct {
	responses [][]*llm.Response
	calls     int
}

func (m *scriptedLLM) Name() string           { return "scripted" }
func (m *scriptedLLM) Provider() llm.Provider { return llm.ProviderOpenAI }
func (m *scriptedLLM) Close() error           { return nil }

func (m *scriptedLLM) GenerateContent(ctx context.Context, req *llm.Request, stream bool) iter.Seq2[*llm.Response, error] {
	return func(yield func(*llm.Response, error) bool) {
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

// echoTool is a minimal CallableTool standing in for a real local tool.
type echoTool struct{}

func (echoTool) Name() string           { return "echo" }
func (echoTool) Description() string    { return "echoes its input" }
func (echoTool) Mutates() bool          { return false }
func (echoTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (echoTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return &tool.Result{Content: fmt.Sprintf("echo: %v", args["text"])}, nil
}

// newTestKernel wires the same components New does, substituting model for
// the provider newLLM would otherwise construct — this package's tests run
// white-box so they can swap that one seam without needing a live API key.
func newTestKernel(t *testing.T, model llm.LLM, tools ...tool.Tool) *Kernel {
	t.Helper()

	cfg := config.Defaults()
	cfg.LLMModel = "gpt-4"

	reg := registry.NewToolRegistry()
	for _, tl := range tools {
		require.NoError(t, reg.RegisterLocal(tl))
	}
	fleet := mcpfleet.New(reg)
	execMgr := toolexec.New(reg, fleet, toolexec.Config{
		DefaultTimeout:        cfg.DefaultToolTimeout,
		PerToolConcurrency:    int64(cfg.PerToolConcurrency),
		GlobalToolConcurrency: int64(cfg.GlobalToolConcurrency),
	})
	retrier := retry.New(retry.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseRetryDelay,
		Jitter:     cfg.RetryJitter > 0,
		MaxDelay:   retry.DefaultConfig().MaxDelay,
	})
	engine := turn.New(model, execMgr, retrier, turn.Config{
		MaxTurnIterations:     cfg.MaxTurnIterations,
		ToolFanoutConcurrency: cfg.PerToolConcurrency,
	})
	sessions := session.New(conversation.CompressionConfig{
		MaxHistoryLength:     cfg.MaxHistoryLength,
		CompressionThreshold: cfg.CompressionThreshold,
	})
	domains := domain.New(domain.Config{Registry: reg, Fleet: fleet})
	mcpSrv := mcpserver.New(mcpserver.Config{Name: "test", Version: model.Name(), BaseURL: "http://localhost:0"}, reg, execMgr)
	domains.OnChange(mcpSrv.Sync)

	tokens, err := conversation.NewTokenCounter(cfg.LLMModel)
	require.NoError(t, err)

	return &Kernel{
		cfg:              cfg,
		model:            model,
		retrier:          retrier,
		registry:         reg,
		fleet:            fleet,
		execMgr:          execMgr,
		sessions:         sessions,
		domains:          domains,
		engine:           engine,
		mcpSrv:           mcpSrv,
		metrics:          nil,
		tokens:           tokens,
		baseInstructions: "you are a helpful assistant",
	}
}

// TestSubmitPrompt_HelloWorld exercises a single prompt answered directly,
// no tool calls, ending in a finished event that carries the full assistant
// reply, and confirms the exchange is folded into the session's history
// plane as a (user, assistant) pair.
func TestSubmitPrompt_HelloWorld(t *testing.T) {
	model := &scriptedLLM{
		responses: [][]*llm.Response{
			{
				{ContentDelta: "Hello, world!", FinishReason: llm.FinishReasonStop},
			},
		},
	}
	k := newTestKernel(t, model)

	sessionID := "session-hello"
	var events []*turn.Event
	for ev, err := range k.SubmitPrompt(context.Background(), PromptRequest{Content: "say hello", SessionID: sessionID}) {
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, turn.EventFinished, last.Type)

	sess, ok := k.sessions.Get(sessionID)
	require.True(t, ok)
	history := sess.History()
	require.Len(t, history, 2)
	require.Equal(t, conversation.RoleUser, history[0].Role)
	require.Equal(t, "say hello", history[0].Content)
	require.Equal(t, conversation.RoleAssistant, history[1].Role)
	require.Equal(t, "Hello, world!", history[1].Content)
}

// TestSubmitPrompt_ToolRoundTrip exercises the scenario where the model
// requests a tool call, the kernel dispatches it through the registered
// local tool, and the result is fed back for a final answer.
func TestSubmitPrompt_ToolRoundTrip(t *testing.T) {
	model := &scriptedLLM{
		responses: [][]*llm.Response{
			{
				{
					ToolCalls: []conversation.ToolCall{
						{
							ID:   "call-1",
							Type: "function",
							Function: conversation.ToolCallFunction{
								Name:      "echo",
								Arguments: `{"text":"hi"}`,
							},
						},
					},
					FinishReason: llm.FinishReasonToolCalls,
				},
			},
			{
				{ContentDelta: "the tool said: echo: hi", FinishReason: llm.FinishReasonStop},
			},
		},
	}
	k := newTestKernel(t, model, echoTool{})

	var sawToolCall, sawToolResult bool
	var last *turn.Event
	for ev, err := range k.SubmitPrompt(context.Background(), PromptRequest{Content: "use the echo tool"}) {
		require.NoError(t, err)
		switch ev.Type {
		case turn.EventToolCallRequest:
			sawToolCall = true
		case turn.EventToolCallResponse:
			sawToolResult = true
		}
		last = ev
	}

	require.True(t, sawToolCall)
	require.True(t, sawToolResult)
	require.NotNil(t, last)
	require.Equal(t, turn.EventFinished, last.Type)
	require.Equal(t, 2, model.calls)
}

// TestSubmitPrompt_GeneratesSessionID confirms an empty session_id is
// populated so the caller can resume the same session on a later call.
func TestSubmitPrompt_GeneratesSessionID(t *testing.T) {
	model := &scriptedLLM{
		responses: [][]*llm.Response{
			{{ContentDelta: "ok", FinishReason: llm.FinishReasonStop}},
		},
	}
	k := newTestKernel(t, model)

	for ev, err := range k.SubmitPrompt(context.Background(), PromptRequest{Content: "hi"}) {
		require.NoError(t, err)
		_ = ev
	}
	require.Equal(t, 1, k.sessions.Count())
}
