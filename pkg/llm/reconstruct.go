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

package llm

import "github.com/orkestra-project/kernelforge/pkg/conversation"

// ChunkDelta is one OpenAI-compatible streaming chunk. Providers that speak
// a different wire format translate into this shape before calling
// Reconstruct, so exactly one reconstruction path exists regardless of
// which provider produced the stream.
type ChunkDelta struct {
	ContentDelta  string
	ToolCallDelta []ToolCallDelta

	// Final, when set, is the provider's own complete message/usage for
	// this stream (typically carried on the last chunk). When present it
	// is authoritative over the reconstructed delta-merge result.
	Final *Response
}

// ToolCallDelta is a partial tool-call fragment, indexed by position within
// the assistant message's tool_calls array (not by ToolCall.ID, which may
// arrive split across chunks too).
type ToolCallDelta struct {
	Index     int
	ID        string
	NameDelta string
	ArgsDelta string
}

// Reconstruct merges a sequence of ChunkDelta values into a single final
// Response: content deltas concatenate in order; tool-call deltas concatenate
// per index; if any chunk carries a Final response, that response is
// authoritative over the accumulated delta-merge result.
func Reconstruct(chunks []ChunkDelta) *Response {
	var content string
	var authoritative *Response

	type builder struct {
		id   string
		name string
		args string
	}
	order := make([]int, 0)
	byIndex := make(map[int]*builder)

	for _, c := range chunks {
		content += c.ContentDelta
		for _, d := range c.ToolCallDelta {
			b, ok := byIndex[d.Index]
			if !ok {
				b = &builder{}
				byIndex[d.Index] = b
				order = append(order, d.Index)
			}
			if d.ID != "" {
				b.id = d.ID
			}
			b.name += d.NameDelta
			b.args += d.ArgsDelta
		}
		if c.Final != nil {
			authoritative = c.Final
		}
	}

	if authoritative != nil {
		return authoritative
	}

	toolCalls := make([]conversation.ToolCall, 0, len(order))
	for _, idx := range order {
		b := byIndex[idx]
		toolCalls = append(toolCalls, conversation.ToolCall{
			ID:   b.id,
			Type: "function",
			Function: conversation.ToolCallFunction{
				Name:      b.name,
				Arguments: b.args,
			},
		})
	}

	finish := FinishReasonStop
	if len(toolCalls) > 0 {
		finish = FinishReasonToolCalls
	}

	return &Response{
		Content:      content,
		ToolCalls:    toolCalls,
		Partial:      false,
		FinishReason: finish,
	}
}
