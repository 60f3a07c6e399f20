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

// Package tool defines the capability interfaces the kernel dispatches
// against: a synchronous CallableTool, a StreamingTool for incremental
// output, and the Toolset grouping used by the MCP client fleet.
package tool

import (
	"context"
	"iter"
)

// Tool is the base capability every dispatchable tool exposes.
type Tool interface {
	// Name is the unique, registry-keyed identifier of the tool.
	Name() string

	// Description is shown to the LLM so it can decide when to call this tool.
	Description() string

	// Mutates reports whether invoking this tool can change state outside the
	// kernel (filesystem, network, external system). Read-only tools (true
	// search, inspection) return false and are eligible for auto-approval
	// under the auto_edit approval policy.
	Mutates() bool
}

// CallableTool executes synchronously and returns a single Result.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments and blocks until
	// completion.
	Call(ctx context.Context, args map[string]any) (*Result, error)

	// Schema returns the JSON Schema (draft-07 or later) for the tool's
	// parameters, or nil if the tool takes none.
	Schema() map[string]any
}

// StreamingTool executes incrementally, yielding chunks of output as they
// become available.
type StreamingTool interface {
	Tool

	// CallStreaming executes the tool and yields Result chunks. The final
	// yielded Result has Streaming set to false. Returning false from the
	// yield function signals the caller has stopped consuming and the tool
	// should abandon further work.
	CallStreaming(ctx context.Context, args map[string]any) iter.Seq2[*Result, error]

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() map[string]any
}

// Result is the output of a single tool invocation or streaming chunk.
type Result struct {
	// Content is the tool's output, typically a string or structured data.
	Content any

	// Streaming marks this as an intermediate chunk rather than the final
	// result of a StreamingTool invocation.
	Streaming bool

	// Error carries a tool-level failure message distinct from the Go error
	// returned by Call/CallStreaming — used when a tool wants to report a
	// handled failure as content the LLM can react to.
	Error string

	// Metadata carries optional auxiliary data (exit codes, byte counts).
	Metadata map[string]any
}

// Toolset groups related tools behind lazy, context-dependent resolution.
// The MCP client fleet implements this per connected server.
type Toolset interface {
	// Name identifies this toolset, typically the MCP server name.
	Name() string

	// Tools returns the tools currently available from this toolset.
	Tools(ctx context.Context) ([]Tool, error)
}

// Predicate decides whether a tool should be visible for a given call.
type Predicate func(tool Tool) bool

// AllowAll permits every tool.
func AllowAll() Predicate { return func(Tool) bool { return true } }

// DenyAll permits no tool.
func DenyAll() Predicate { return func(Tool) bool { return false } }

// Named permits only the tools whose name appears in allowed.
func Named(allowed []string) Predicate {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return func(t Tool) bool { return set[t.Name()] }
}

// Combine ANDs predicates together.
func Combine(predicates ...Predicate) Predicate {
	return func(t Tool) bool {
		for _, p := range predicates {
			if !p(t) {
				return false
			}
		}
		return true
	}
}

// Origin identifies where a tool's Definition came from.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginExternal Origin = "external"
)

// ApprovalMode controls how a tool's invocations are gated for human
// approval.
type ApprovalMode string

const (
	ApprovalModeDefault  ApprovalMode = "default"
	ApprovalModeAutoEdit ApprovalMode = "auto_edit"
	ApprovalModePlan     ApprovalMode = "plan"
	ApprovalModeYOLO     ApprovalMode = "yolo"
)

// Definition is the wire shape of a tool surfaced to an LLM for function
// calling, or to an MCP client via tools/list.
type Definition struct {
	Name             string         `json:"name"`
	DisplayName      string         `json:"display_name,omitempty"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Mutates          bool           `json:"mutates"`
	ApprovalRequired bool           `json:"approval_required"`
	ApprovalMode     ApprovalMode   `json:"approval_mode,omitempty"`
	Origin           Origin         `json:"origin"`
	ServerRef        string         `json:"server_ref,omitempty"`
}

// ToDefinition converts a Tool to its wire Definition, pulling the schema
// from whichever execution interface it implements. The result has
// Origin set to OriginLocal; callers registering external tools should
// set Origin/ServerRef themselves after conversion.
func ToDefinition(t Tool) Definition {
	def := Definition{
		Name:             t.Name(),
		Description:      t.Description(),
		Mutates:          t.Mutates(),
		ApprovalRequired: t.Mutates(),
		ApprovalMode:     ApprovalModeDefault,
		Origin:           OriginLocal,
	}
	switch v := t.(type) {
	case CallableTool:
		def.Parameters = v.Schema()
	case StreamingTool:
		def.Parameters = v.Schema()
	}
	return def
}

// Call represents an LLM's request to invoke a tool.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// CallResult is the conversation-facing outcome of a Call, ready to be
// appended to history as a tool-role message.
type CallResult struct {
	ToolCallID string
	Content    string
	Error      string
	Metadata   map[string]any
}
