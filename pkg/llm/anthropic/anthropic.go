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

// Package anthropic implements llm.LLM against the Anthropic Messages API
// via github.com/anthropics/anthropic-sdk-go. Unlike OpenAI, Anthropic
// requires tool results to be submitted as a user-role message containing
// a tool_result content block paired with the assistant's tool_use block,
// not as a separate "tool" role.
package anthropic

import (
	"context"
	"errors"
	"iter"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/llm"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

const defaultMaxTokens = 4096

// Config configures the Anthropic-backed LLM.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// Option configures Config.
type Option func(*Config)

// WithAPIKey sets the Anthropic API key.
func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }

// WithModel overrides the model name.
func WithModel(model string) Option { return func(c *Config) { c.Model = model } }

// WithMaxTokens sets the maximum output tokens.
func WithMaxTokens(n int) Option { return func(c *Config) { c.MaxTokens = n } }

// LLM adapts the Anthropic Messages API to llm.LLM.
type LLM struct {
	client sdk.Client
	cfg    Config
}

// New creates an Anthropic-backed llm.LLM.
func New(opts ...Option) (*LLM, error) {
	cfg := Config{Model: string(sdk.ModelClaude3_5SonnetLatest), MaxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: APIKey is required")
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return &LLM{client: client, cfg: cfg}, nil
}

func (l *LLM) Name() string           { return l.cfg.Model }
func (l *LLM) Provider() llm.Provider { return llm.ProviderAnthropic }
func (l *LLM) Close() error           { return nil }

func (l *LLM) GenerateContent(ctx context.Context, req *llm.Request, stream bool) iter.Seq2[*llm.Response, error] {
	return func(yield func(*llm.Response, error) bool) {
		params := l.buildParams(req)

		if !stream {
			msg, err := l.client.Messages.New(ctx, params)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(convertMessage(msg), nil)
			return
		}

		s := l.client.Messages.NewStreaming(ctx, params)
		var chunks []llm.ChunkDelta
		acc := sdk.Message{}
		for s.Next() {
			event := s.Current()
			if err := acc.Accumulate(event); err != nil {
				yield(nil, err)
				return
			}

			delta := eventDelta(event)
			chunks = append(chunks, delta)
			if delta.ContentDelta != "" {
				if !yield(&llm.Response{ContentDelta: delta.ContentDelta, Partial: true}, nil) {
					return
				}
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
			return
		}

		chunks = append(chunks, llm.ChunkDelta{Final: convertMessage(&acc)})
		yield(llm.Reconstruct(chunks), nil)
	}
}

func (l *LLM) buildParams(req *llm.Request) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(l.cfg.Model),
		MaxTokens: int64(l.cfg.MaxTokens),
	}
	if req.SystemInstruction != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemInstruction}}
	}
	if req.Config != nil && req.Config.Temperature != nil {
		params.Temperature = sdk.Float(*req.Config.Temperature)
	}

	for _, m := range req.Messages {
		params.Messages = append(params.Messages, convertToMessageParam(m))
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, convertToolDefinition(def))
	}
	return params
}

func convertToMessageParam(m conversation.Message) sdk.MessageParam {
	switch m.Role {
	case conversation.RoleAssistant:
		blocks := []sdk.ContentBlockParamUnion{}
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			args, _ := tc.ParsedArguments()
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Function.Name))
		}
		return sdk.NewAssistantMessage(blocks...)
	case conversation.RoleTool:
		return sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
	default:
		return sdk.NewUserMessage(sdk.NewTextBlock(m.Content))
	}
}

func convertToolDefinition(def tool.Definition) sdk.ToolUnionParam {
	return sdk.ToolUnionParam{
		OfTool: &sdk.ToolParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			InputSchema: sdk.ToolInputSchemaParam{Properties: def.Parameters},
		},
	}
}

func convertMessage(msg *sdk.Message) *llm.Response {
	out := &llm.Response{FinishReason: llm.FinishReasonStop}
	if msg == nil {
		return out
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			out.Content += b.Text
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: conversation.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = llm.FinishReasonToolCalls
	}
	out.Usage = &llm.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return out
}

func eventDelta(event sdk.MessageStreamEventUnion) llm.ChunkDelta {
	if delta, ok := event.Delta.AsAny().(sdk.TextDelta); ok {
		return llm.ChunkDelta{ContentDelta: delta.Text}
	}
	return llm.ChunkDelta{}
}

var _ llm.LLM = (*LLM)(nil)
