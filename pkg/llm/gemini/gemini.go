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

// Package gemini implements llm.LLM against Google's Gemini API via
// google.golang.org/genai. Like Anthropic, tool results are submitted
// paired with the function call rather than as an independent role.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"iter"

	"google.golang.org/genai"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/llm"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

const defaultModel = "gemini-2.0-flash"

// Config configures the Gemini-backed LLM.
type Config struct {
	APIKey string
	Model  string
}

// Option configures Config.
type Option func(*Config)

// WithAPIKey sets the Gemini API key.
func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }

// WithModel overrides the model name.
func WithModel(model string) Option { return func(c *Config) { c.Model = model } }

// LLM adapts the Gemini API to llm.LLM.
type LLM struct {
	client *genai.Client
	cfg    Config
}

// New creates a Gemini-backed llm.LLM.
func New(ctx context.Context, opts ...Option) (*LLM, error) {
	cfg := Config{Model: defaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: APIKey is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &LLM{client: client, cfg: cfg}, nil
}

func (l *LLM) Name() string           { return l.cfg.Model }
func (l *LLM) Provider() llm.Provider { return llm.ProviderGemini }
func (l *LLM) Close() error           { return nil }

func (l *LLM) GenerateContent(ctx context.Context, req *llm.Request, stream bool) iter.Seq2[*llm.Response, error] {
	return func(yield func(*llm.Response, error) bool) {
		contents := make([]*genai.Content, 0, len(req.Messages))
		for _, m := range req.Messages {
			contents = append(contents, convertContent(m))
		}
		config := buildGenerateConfig(req)

		if !stream {
			resp, err := l.client.Models.GenerateContent(ctx, l.cfg.Model, contents, config)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(convertResponse(resp), nil)
			return
		}

		var chunks []llm.ChunkDelta
		var toolCalls []conversation.ToolCall
		for resp, err := range l.client.Models.GenerateContentStream(ctx, l.cfg.Model, contents, config) {
			if err != nil {
				yield(nil, err)
				return
			}
			delta := extractText(resp)
			chunks = append(chunks, llm.ChunkDelta{ContentDelta: delta})
			toolCalls = append(toolCalls, convertResponse(resp).ToolCalls...)
			if delta != "" {
				if !yield(&llm.Response{ContentDelta: delta, Partial: true}, nil) {
					return
				}
			}
		}

		final := convertResponse(chunksToFinal(chunks))
		if len(toolCalls) > 0 {
			final.ToolCalls = toolCalls
			final.FinishReason = llm.FinishReasonToolCalls
		}
		yield(final, nil)
	}
}

// chunksToFinal concatenates delta text into a synthetic final response
// shape GenerateContentStream doesn't otherwise surface as one object;
// tool calls for Gemini arrive whole (not delta'd), so the streaming loop
// collects them per chunk and attaches them to the converted final response.
func chunksToFinal(chunks []llm.ChunkDelta) *genai.GenerateContentResponse {
	var text string
	for _, c := range chunks {
		text += c.ContentDelta
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func buildGenerateConfig(req *llm.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Config != nil && req.Config.Temperature != nil {
		t := float32(*req.Config.Temperature)
		config.Temperature = &t
	}
	for _, def := range req.Tools {
		config.Tools = append(config.Tools, convertToolDefinition(def))
	}
	return config
}

func convertContent(m conversation.Message) *genai.Content {
	role := genai.RoleUser
	if m.Role == conversation.RoleAssistant {
		role = genai.RoleModel
	}

	var parts []*genai.Part
	if m.Content != "" {
		parts = append(parts, genai.NewPartFromText(m.Content))
	}
	for _, tc := range m.ToolCalls {
		args, _ := tc.ParsedArguments()
		parts = append(parts, genai.NewPartFromFunctionCall(tc.Function.Name, args))
	}
	if m.Role == conversation.RoleTool {
		parts = append(parts, genai.NewPartFromFunctionResponse(m.Name, map[string]any{"result": m.Content}))
	}
	return &genai.Content{Role: role, Parts: parts}
}

func convertToolDefinition(def tool.Definition) *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  convertSchema(def.Parameters),
		}},
	}
}

func convertSchema(params map[string]any) *genai.Schema {
	if params == nil {
		return nil
	}
	return &genai.Schema{Type: genai.TypeObject}
}

func convertResponse(resp *genai.GenerateContentResponse) *llm.Response {
	out := &llm.Response{FinishReason: llm.FinishReasonStop}
	if resp == nil || len(resp.Candidates) == 0 {
		return out
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return out
	}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			argsJSON, _ := json.Marshal(part.FunctionCall.Args)
			out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
				ID:   part.FunctionCall.Name,
				Type: "function",
				Function: conversation.ToolCallFunction{
					Name:      part.FunctionCall.Name,
					Arguments: string(argsJSON),
				},
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = llm.FinishReasonToolCalls
	}
	if resp.UsageMetadata != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text
}

var _ llm.LLM = (*LLM)(nil)
