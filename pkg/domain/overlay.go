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

package domain

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/orkestra-project/kernelforge/pkg/mcpfleet"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/tool/mcptoolset"
)

// ToolSpec is one declaratively defined tool a domain overlay contributes
// directly (as opposed to tools discovered from an MCP endpoint). Name
// resolves against the ToolFactory supplied to the Manager.
type ToolSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
	Mutates     bool           `yaml:"mutates"`
}

// EndpointSpec is one MCP endpoint a domain overlay connects to.
type EndpointSpec struct {
	AgentID     string            `yaml:"agent_id"`
	Transport   string            `yaml:"transport"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	CallTimeout string            `yaml:"call_timeout"`
}

// Overlay is a named, versioned bundle of prompt fragments, declarative
// tools, and MCP endpoints. At most one is loaded at a time.
type Overlay struct {
	Name            string         `yaml:"name"`
	Version         string         `yaml:"version"`
	PromptFragments []string       `yaml:"prompt_fragments"`
	Tools           []ToolSpec     `yaml:"tools"`
	MCPEndpoints    []EndpointSpec `yaml:"mcp_endpoints"`
}

// endpointDescriptor converts an EndpointSpec into the shape mcpfleet.Fleet
// expects to dial.
func (e EndpointSpec) endpointDescriptor() mcpfleet.EndpointDescriptor {
	var timeout time.Duration
	if e.CallTimeout != "" {
		if d, err := time.ParseDuration(e.CallTimeout); err == nil {
			timeout = d
		}
	}
	return mcpfleet.EndpointDescriptor{
		AgentID: e.AgentID,
		Config: mcptoolset.Config{
			Name:        e.AgentID,
			Transport:   e.Transport,
			Command:     e.Command,
			Args:        e.Args,
			Env:         e.Env,
			URL:         e.URL,
			CallTimeout: timeout,
		},
	}
}

// toDefinition renders a ToolSpec as the wire Definition a ToolFactory is
// handed to build the callable implementation.
func (t ToolSpec) toDefinition() tool.Definition {
	return tool.Definition{
		Name:             t.Name,
		Description:      t.Description,
		Parameters:       t.Schema,
		Mutates:          t.Mutates,
		ApprovalRequired: t.Mutates,
		Origin:           tool.OriginLocal,
	}
}

// ParseOverlay loads and validates a domain overlay file (YAML).
func ParseOverlay(path string) (*Overlay, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("domain: load %s: %w", path, err)
	}

	var ov Overlay
	if err := k.UnmarshalWithConf("", &ov, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("domain: parse %s: %w", path, err)
	}

	if ov.Name == "" {
		return nil, fmt.Errorf("domain: %s: name is required", path)
	}
	seen := make(map[string]bool, len(ov.Tools))
	for _, ts := range ov.Tools {
		if ts.Name == "" {
			return nil, fmt.Errorf("domain: %s: a tool entry is missing its name", path)
		}
		if seen[ts.Name] {
			return nil, fmt.Errorf("domain: %s: duplicate tool name %q", path, ts.Name)
		}
		seen[ts.Name] = true
	}
	for _, ep := range ov.MCPEndpoints {
		if ep.AgentID == "" {
			return nil, fmt.Errorf("domain: %s: an mcp_endpoints entry is missing agent_id", path)
		}
		if ep.URL == "" && ep.Command == "" {
			return nil, fmt.Errorf("domain: %s: mcp endpoint %q needs a url or a command", path, ep.AgentID)
		}
	}

	return &ov, nil
}
