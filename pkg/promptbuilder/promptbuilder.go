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

// Package promptbuilder implements the Prompt/Context Builder (C5): a pure
// function assembling the system message, tool catalogue, domain overlay
// fragments and the two conversation history planes into the message slice
// sent to the LLM adapter.
package promptbuilder

import (
	"encoding/json"
	"strings"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// CatalogueEntry is the wire shape of one tool surfaced in the system
// message's tool catalogue.
type CatalogueEntry struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema,omitempty"`
	HostingAgentID  string         `json:"agent_id,omitempty"`
}

// ToolView is the slice of the tool registry C5 is allowed to see. The
// caller (the kernel's request builder) passes every registered definition;
// Build narrows it by the PromptObject's ToolPolicy/CustomTools when it
// renders the catalogue.
type ToolView struct {
	Definitions []tool.Definition
}

// DomainOverlay carries the active domain's prompt fragments, installed by
// the Domain Manager (C10) between turns.
type DomainOverlay struct {
	Name      string
	Fragments []string
}

// Input bundles everything Build needs. It holds no behaviour of its own;
// every field is supplied by the caller so the function stays pure.
type Input struct {
	BaseInstructions string
	PromptObject     *conversation.PromptObject
	SessionHistory   []conversation.Message
	Tools            ToolView
	Domain           DomainOverlay
}

// Build assembles the message slice sent to the LLM: the system message
// (base instructions, domain fragments, tool catalogue), then session
// history, then the turn's own history, then the new user message if the
// turn engine has not already appended it. Build performs no I/O and
// returns the same output for the same input.
func Build(in Input) []conversation.Message {
	messages := make([]conversation.Message, 0, len(in.SessionHistory)+len(in.PromptObject.ConversationHistory)+2)

	if system := buildSystemMessage(in); system != "" {
		messages = append(messages, conversation.Message{
			Role:    conversation.RoleSystem,
			Content: system,
		})
	}

	messages = append(messages, in.SessionHistory...)
	messages = append(messages, in.PromptObject.ConversationHistory...)

	if needsUserMessage(in.PromptObject) {
		messages = append(messages, conversation.Message{
			Role:    in.PromptObject.Role,
			Content: in.PromptObject.Content,
		})
	}

	return messages
}

func buildSystemMessage(in Input) string {
	var b strings.Builder

	if in.BaseInstructions != "" {
		b.WriteString(in.BaseInstructions)
		b.WriteString("\n\n")
	}

	for _, fragment := range in.Domain.Fragments {
		if fragment == "" {
			continue
		}
		b.WriteString(fragment)
		b.WriteString("\n\n")
	}

	if in.PromptObject.ToolPolicy != conversation.ToolPolicyNone {
		if catalogue := renderCatalogue(in.Tools, in.PromptObject); catalogue != "" {
			b.WriteString("<tool_catalogue>\n")
			b.WriteString(catalogue)
			b.WriteString("\n</tool_catalogue>\n\n")
		}
	}

	return strings.TrimSpace(b.String())
}

// renderCatalogue filters Tools by the PromptObject's tool_policy and
// serialises the eligible entries as JSON, one per line, so the LLM sees a
// stable, parseable catalogue regardless of provider.
func renderCatalogue(tools ToolView, p *conversation.PromptObject) string {
	allowed := allowedSet(p)

	var lines []string
	for _, def := range tools.Definitions {
		if allowed != nil && !allowed[def.Name] {
			continue
		}
		entry := CatalogueEntry{
			Name:            def.Name,
			Description:     def.Description,
			ParameterSchema: def.Parameters,
		}
		if def.Origin == tool.OriginExternal {
			entry.HostingAgentID = def.ServerRef
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		lines = append(lines, string(raw))
	}
	return strings.Join(lines, "\n")
}

func allowedSet(p *conversation.PromptObject) map[string]bool {
	if p.ToolPolicy != conversation.ToolPolicyNamedSubset {
		return nil
	}
	set := make(map[string]bool, len(p.CustomTools))
	for _, name := range p.CustomTools {
		set[name] = true
	}
	return set
}

// needsUserMessage reports whether the new user message from
// prompt_object.content still needs appending, mirroring the
// already-appended check the turn engine performs when it seeds
// ConversationHistory itself before calling Build.
func needsUserMessage(p *conversation.PromptObject) bool {
	if p.Content == "" {
		return false
	}
	for i := len(p.ConversationHistory) - 1; i >= 0; i-- {
		msg := p.ConversationHistory[i]
		if msg.Role == p.Role && msg.Content == p.Content {
			return false
		}
	}
	return true
}
