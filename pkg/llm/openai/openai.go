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

// Package openai implements llm.LLM against the OpenAI chat/completions
// API via github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/llm"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

const (
	defaultModel     = sdk.GPT4o
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// Config configures the OpenAI-backed LLM.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Option configures Config.
type Option func(*Config)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }

// WithModel overrides the model name.
func WithModel(model string) Option { return func(c *Config) { c.Model = model } }

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return func(c *Config) { c.BaseURL = url } }

// WithMaxTokens sets the maximum output tokens.
func WithMaxTokens(n int) Option { return func(c *Config) { c.MaxTokens = n } }

// LLM adapts the OpenAI chat/completions API to llm.LLM.
type LLM struct {
	client *sdk.Client
	cfg    Config
}

// New creates an OpenAI-backed llm.LLM.
func New(opts ...Option) (*LLM, error) {
	cfg := Config{Model: defaultModel, MaxTokens: defaultMaxTokens, Timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("openai: APIKey is required")
	}

	clientCfg := sdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &LLM{client: sdk.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

func (l *LLM) Name() string           { return l.cfg.Model }
func (l *LLM) Provider() llm.Provider { return llm.ProviderOpenAI }
func (l *LLM) Close() error           { return nil }

func (l *LLM) GenerateContent(ctx context.Context, req *llm.Request, stream bool) iter.Seq2[*llm.Response, error] {
	return func(yield func(*llm.Response, error) bool) {
		request := l.buildRequest(req, stream)

		if !stream {
			resp, err := l.client.CreateChatCompletion(ctx, request)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(convertCompletion(resp), nil)
			return
		}

		l.streamContent(ctx, request, yield)
	}
}

func (l *LLM) streamContent(ctx context.Context, request sdk.ChatCompletionRequest, yield func(*llm.Response, error) bool) {
	s, err := l.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		yield(nil, err)
		return
	}
	defer s.Close()

	var chunks []llm.ChunkDelta
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			yield(nil, err)
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := convertDelta(chunk.Choices[0].Delta)
		chunks = append(chunks, delta)

		partial := &llm.Response{
			ContentDelta: delta.ContentDelta,
			Partial:      true,
		}
		if partial.ContentDelta != "" {
			if !yield(partial, nil) {
				return
			}
		}
	}

	final := llm.Reconstruct(chunks)
	yield(final, nil)
}

func (l *LLM) buildRequest(req *llm.Request, stream bool) sdk.ChatCompletionRequest {
	messages := make([]sdk.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemInstruction != "" {
		messages = append(messages, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: req.SystemInstruction})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	request := sdk.ChatCompletionRequest{
		Model:    l.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	if l.cfg.MaxTokens > 0 {
		request.MaxTokens = l.cfg.MaxTokens
	}
	if req.Config != nil && req.Config.Temperature != nil {
		request.Temperature = float32(*req.Config.Temperature)
	}
	if req.Config != nil {
		request.Stop = req.Config.StopSequences
	}
	for _, def := range req.Tools {
		request.Tools = append(request.Tools, convertToolDefinition(def))
	}
	return request
}

func convertMessage(m conversation.Message) sdk.ChatCompletionMessage {
	out := sdk.ChatCompletionMessage{
		Content: m.Content,
		Name:    m.Name,
	}
	switch m.Role {
	case conversation.RoleSystem:
		out.Role = sdk.ChatMessageRoleSystem
	case conversation.RoleUser:
		out.Role = sdk.ChatMessageRoleUser
	case conversation.RoleAssistant:
		out.Role = sdk.ChatMessageRoleAssistant
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, sdk.ToolCall{
				ID:   tc.ID,
				Type: sdk.ToolTypeFunction,
				Function: sdk.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	case conversation.RoleTool:
		out.Role = sdk.ChatMessageRoleTool
		out.ToolCallID = m.ToolCallID
	}
	return out
}

func convertToolDefinition(def tool.Definition) sdk.Tool {
	return sdk.Tool{
		Type: sdk.ToolTypeFunction,
		Function: &sdk.FunctionDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		},
	}
}

func convertCompletion(resp sdk.ChatCompletionResponse) *llm.Response {
	if len(resp.Choices) == 0 {
		return &llm.Response{FinishReason: llm.FinishReasonError}
	}
	choice := resp.Choices[0]

	out := &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: convertFinishReason(choice.FinishReason),
		Usage: &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: conversation.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

func convertDelta(delta sdk.ChatCompletionStreamChoiceDelta) llm.ChunkDelta {
	out := llm.ChunkDelta{ContentDelta: delta.Content}
	for i, tc := range delta.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		out.ToolCallDelta = append(out.ToolCallDelta, llm.ToolCallDelta{
			Index:     idx,
			ID:        tc.ID,
			NameDelta: tc.Function.Name,
			ArgsDelta: tc.Function.Arguments,
		})
	}
	return out
}

func convertFinishReason(reason sdk.FinishReason) llm.FinishReason {
	switch reason {
	case sdk.FinishReasonStop:
		return llm.FinishReasonStop
	case sdk.FinishReasonToolCalls, sdk.FinishReasonFunctionCall:
		return llm.FinishReasonToolCalls
	case sdk.FinishReasonLength:
		return llm.FinishReasonLength
	case sdk.FinishReasonContentFilter:
		return llm.FinishReasonContentFilter
	default:
		slog.Debug("openai: unrecognized finish reason", "reason", reason)
		return llm.FinishReasonStop
	}
}

var _ llm.LLM = (*LLM)(nil)
