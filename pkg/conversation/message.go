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

// Package conversation owns the kernel's two history planes — the
// per-turn history on a PromptObject and the per-session history on a
// Session — along with the Message/ToolCall/ToolResult shapes shared by
// the prompt builder, the turn engine, and the LLM adapter.
package conversation

import "time"

// Role identifies the sender of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation history plane.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string // set on RoleTool messages; must match the requesting ToolCall.ID
	Name       string // tool name, set on RoleTool messages
	ToolCalls  []ToolCall
	Timestamp  time.Time
	Metadata   map[string]any
}

// ToolCall is the OpenAI-compatible shape an assistant message carries when
// it requests tool invocation.
type ToolCall struct {
	ID       string
	Type     string // always "function"
	Function ToolCallFunction
}

// ToolCallFunction is the function half of a ToolCall.
type ToolCallFunction struct {
	Name      string
	Arguments string // JSON-encoded
}

// ParsedArguments unmarshals Arguments into a map. Returns an error if
// Arguments is not valid JSON.
func (tc ToolCall) ParsedArguments() (map[string]any, error) {
	return parseJSONObject(tc.Function.Arguments)
}

// ToolResult is the uniform outcome of a tool invocation, ready to be
// rendered into a RoleTool Message.
type ToolResult struct {
	ToolCallID    string
	ToolName      string
	Success       bool
	LLMContent    string // fed back to the LLM
	ReturnDisplay string // human-readable rendering
	Error         string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// ToMessage renders a ToolResult as the RoleTool Message fed back to the LLM.
func (r ToolResult) ToMessage() Message {
	content := r.LLMContent
	if !r.Success && content == "" {
		content = r.Error
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: r.ToolCallID,
		Name:       r.ToolName,
		Timestamp:  r.CompletedAt,
	}
}
