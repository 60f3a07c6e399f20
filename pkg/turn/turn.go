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

// Package turn implements the Turn Engine (C8): it runs one turn as an
// asynchronous event stream, alternating LLM calls with tool dispatch until
// a final assistant message, an error, a cancellation, or the recursion
// bound is reached.
package turn

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/llm"
	"github.com/orkestra-project/kernelforge/pkg/retry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/toolexec"
)

// State is the turn's lifecycle stage.
type State string

const (
	StateInit         State = "init"
	StateRequesting   State = "requesting"
	StateStreaming    State = "streaming"
	StateToolsPending State = "tools_pending"
	StateRecursing    State = "recursing"
	StateFinished     State = "finished"
	StateError        State = "error"
	StateCancelled    State = "cancelled"
)

// EventType enumerates the turn's event stream.
type EventType string

const (
	EventContent          EventType = "content"
	EventToolCallRequest  EventType = "tool_call_request"
	EventToolCallResponse EventType = "tool_call_response"
	EventError            EventType = "error"
	EventFinished         EventType = "finished"
)

// Event is one unit of the turn's event stream.
type Event struct {
	Type     EventType
	State    State
	Content  string
	ToolCall *conversation.ToolCall
	Result   *conversation.ToolResult
	Err      error
	Final    *llm.Response
}

// ErrToolLoopExceeded is yielded as an EventError when max_turn_iterations
// is reached without a final response.
var ErrToolLoopExceeded = errors.New("ToolLoopExceeded")

// ErrCancelled is yielded as an EventError when the caller's abort token
// fires mid-turn.
var ErrCancelled = errors.New("Cancelled")

// Config configures an Engine.
type Config struct {
	// MaxTurnIterations caps request/response recursion (default 8).
	MaxTurnIterations int

	// ToolFanoutConcurrency bounds how many tool calls from one assistant
	// message run concurrently (default 4).
	ToolFanoutConcurrency int

	// ApprovalMode is applied to every tool call in this turn (default
	// "default"); an approval mode named on a tool's definition is not
	// consulted.
	ApprovalMode tool.ApprovalMode
}

// Engine runs turns against an LLM and a Tool Execution Manager.
type Engine struct {
	model   llm.LLM
	tools   *toolexec.Manager
	retrier *retry.Controller
	cfg     Config
}

// New creates an Engine.
func New(model llm.LLM, tools *toolexec.Manager, retrier *retry.Controller, cfg Config) *Engine {
	if cfg.MaxTurnIterations <= 0 {
		cfg.MaxTurnIterations = 8
	}
	if cfg.ToolFanoutConcurrency <= 0 {
		cfg.ToolFanoutConcurrency = 4
	}
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = tool.ApprovalModeDefault
	}
	return &Engine{model: model, tools: tools, retrier: retrier, cfg: cfg}
}

// BuildRequest produces the llm.Request for one requesting→streaming step.
// The caller supplies it (typically closing over the prompt builder output)
// so the engine stays agnostic of how messages/tools are assembled.
type BuildRequest func(history []conversation.Message) *llm.Request

// seedUserMessage appends the prompt's initiating content to its turn-level
// history exactly once, before the first LLM request. This keeps the
// turn-level history plane — and, downstream, whatever session-level plane
// a caller appends it to once the turn completes — self-contained: a
// (user, assistant) pair per turn rather than an assistant reply with no
// record of what prompted it.
func seedUserMessage(p *conversation.PromptObject) {
	if p.Content == "" {
		return
	}
	for _, msg := range p.ConversationHistory {
		if msg.Role == p.Role && msg.Content == p.Content {
			return
		}
	}
	p.AppendMessage(conversation.Message{Role: p.Role, Content: p.Content})
}

// Run executes one turn as an event stream, recursing through tool calls
// until a final response, an error, cancellation, or the iteration bound.
func (e *Engine) Run(ctx context.Context, p *conversation.PromptObject, build BuildRequest) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		state := StateInit
		e.tools.NewTurn()
		seedUserMessage(p)

		for iteration := 0; iteration < e.cfg.MaxTurnIterations; iteration++ {
			if ctx.Err() != nil {
				state = StateCancelled
				yield(&Event{Type: EventError, State: state, Err: ErrCancelled}, nil)
				return
			}

			state = StateRequesting
			req := build(p.ConversationHistory)

			final, err := e.requestOnce(ctx, state, req, yield)
			if err != nil {
				state = StateError
				yield(&Event{Type: EventError, State: state, Err: err}, nil)
				return
			}
			state = StateStreaming

			if !final.HasToolCalls() {
				state = StateFinished
				p.AppendMessage(conversation.Message{Role: conversation.RoleAssistant, Content: final.Content})
				if compErr := p.Complete(final.Content); compErr != nil {
					yield(&Event{Type: EventError, State: StateError, Err: compErr}, nil)
					return
				}
				yield(&Event{Type: EventFinished, State: state, Final: final}, nil)
				return
			}

			p.AppendMessage(conversation.Message{
				Role:      conversation.RoleAssistant,
				Content:   final.Content,
				ToolCalls: final.ToolCalls,
			})

			state = StateToolsPending
			if ctx.Err() != nil {
				state = StateCancelled
				yield(&Event{Type: EventError, State: state, Err: ErrCancelled}, nil)
				return
			}

			results := e.dispatchToolCalls(ctx, state, final.ToolCalls, p, yield)
			for _, r := range results {
				p.AppendMessage(r.ToMessage())
			}

			state = StateRecursing
		}

		yield(&Event{Type: EventError, State: StateError, Err: fmt.Errorf("%w: exceeded %d iterations", ErrToolLoopExceeded, e.cfg.MaxTurnIterations)}, nil)
	}
}

// requestOnce performs one LLM call (streaming if the model supports it),
// forwarding content events as they arrive and returning the reconstructed
// final Response. Retries are handled by the retry controller for the
// network|rate_limit|server categories.
func (e *Engine) requestOnce(ctx context.Context, state State, req *llm.Request, yield func(*Event, error) bool) (*llm.Response, error) {
	var final *llm.Response

	err := e.retrier.Do(ctx, func(ctx context.Context) error {
		final = nil
		for resp, err := range e.model.GenerateContent(ctx, req, true) {
			if err != nil {
				return err
			}
			if resp.Partial {
				if resp.ContentDelta != "" {
					if !yield(&Event{Type: EventContent, State: StateStreaming, Content: resp.ContentDelta}, nil) {
						return fmt.Errorf("turn: caller stopped consuming content stream")
					}
				}
				continue
			}
			final = resp
		}
		if final == nil {
			return fmt.Errorf("turn: model yielded no final response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// dispatchToolCalls fans calls out with bounded parallelism while
// preserving the original call order in the returned slice: results[i]
// always corresponds to calls[i] regardless of completion order.
func (e *Engine) dispatchToolCalls(ctx context.Context, state State, calls []conversation.ToolCall, p *conversation.PromptObject, yield func(*Event, error) bool) []conversation.ToolResult {
	results := make([]conversation.ToolResult, len(calls))
	sem := make(chan struct{}, e.cfg.ToolFanoutConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		yield(&Event{Type: EventToolCallRequest, State: state, ToolCall: &calls[i]}, nil)

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, call conversation.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.tools.ExecuteToolCall(ctx, call, e.cfg.ApprovalMode, p.AllowedTools)
		}(i, call)
	}
	wg.Wait()

	for i := range results {
		yield(&Event{Type: EventToolCallResponse, State: state, Result: &results[i]}, nil)
	}

	return results
}
