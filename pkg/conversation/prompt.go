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

package conversation

// ToolPolicy controls which tools the prompt builder exposes to the LLM
// for a given PromptObject.
type ToolPolicy string

const (
	ToolPolicyAllAvailable ToolPolicy = "all_available"
	ToolPolicyNamedSubset  ToolPolicy = "named_subset"
	ToolPolicyNone         ToolPolicy = "none"
)

// Status tracks a PromptObject through the turn engine's lifecycle.
type Status string

const (
	StatusCreated      Status = "created"
	StatusProcessing   Status = "processing"
	StatusAwaitingTool Status = "awaiting_tool"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// PromptObject is a single unit of work handed to the turn engine.
type PromptObject struct {
	PromptID string
	Content  string
	Role     Role

	// ConversationHistory is the turn-level history plane: it accumulates
	// the user message, any assistant-with-tool-calls messages, the
	// corresponding tool-result messages, and the final assistant message.
	ConversationHistory []Message

	// CustomTools restricts the tool catalogue when ToolPolicy is
	// ToolPolicyNamedSubset.
	CustomTools []string
	ToolPolicy  ToolPolicy

	// AllowedTools backs the "plan" approval policy hook: only tool names
	// listed here may be auto-approved under ApprovalModePlan.
	AllowedTools []string

	StreamingEnabled bool

	ResultContent string
	ToolCalls     []ToolCall
	Status        Status

	// SkipSessionHistory opts this turn's completed history out of the
	// session-level plane (default false).
	SkipSessionHistory bool
}

// AppendMessage appends a message to the turn-level history plane.
func (p *PromptObject) AppendMessage(m Message) {
	p.ConversationHistory = append(p.ConversationHistory, m)
}

// Complete marks the PromptObject completed, enforcing the invariant that
// result content or a tool result must be present.
func (p *PromptObject) Complete(resultContent string) error {
	hasToolResult := false
	for _, m := range p.ConversationHistory {
		if m.Role == RoleTool {
			hasToolResult = true
			break
		}
	}
	if resultContent == "" && !hasToolResult {
		return errEmptyCompletion
	}
	p.ResultContent = resultContent
	p.Status = StatusCompleted
	return nil
}

var errEmptyCompletion = completionError("completing a turn requires result content or at least one tool result")

type completionError string

func (e completionError) Error() string { return string(e) }
