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

package registry

import (
	"fmt"
	"sync"

	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// entry pairs a tool with the domain (MCP server name, or "" for local) that
// registered it.
type entry struct {
	tool   tool.Tool
	domain string
	local  bool
}

// ToolRegistry enforces the kernel's name-conflict rules over its own
// RWMutex-guarded map (the same shape as the generic Store, not an instance
// of it): a local tool always wins over any externally discovered
// tool of the same name, and among externally discovered tools the first
// writer wins — a later MCP server offering the same name is rejected, not
// silently overwritten.
type ToolRegistry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{entries: make(map[string]entry)}
}

// RegisterLocal registers a tool that is not associated with any MCP
// domain. Local tools always take precedence: registering one replaces any
// externally discovered tool of the same name.
func (r *ToolRegistry) RegisterLocal(t tool.Tool) error {
	if t == nil {
		return fmt.Errorf("tool registry: nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool registry: tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok && existing.local {
		return fmt.Errorf("tool registry: local tool %q already registered", name)
	}
	r.entries[name] = entry{tool: t, local: true}
	return nil
}

// RegisterExternal registers a tool discovered from an MCP domain. It is a
// no-op error, not an overwrite, if the name is already taken by a local
// tool or by an earlier-registered external tool from a different domain.
func (r *ToolRegistry) RegisterExternal(domain string, t tool.Tool) error {
	if t == nil {
		return fmt.Errorf("tool registry: nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool registry: tool has empty name")
	}
	if domain == "" {
		return fmt.Errorf("tool registry: external tool requires a domain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		if existing.local {
			return fmt.Errorf("tool registry: %q shadowed by local tool, not registered", name)
		}
		if existing.domain != domain {
			return fmt.Errorf("tool registry: %q already provided by domain %q, rejecting duplicate from %q", name, existing.domain, domain)
		}
		// Same domain re-registering (tool list refresh): allow overwrite.
	}
	r.entries[name] = entry{tool: t, domain: domain}
	return nil
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Describe looks up a tool's wire Definition, annotated with the origin and
// domain recorded at registration time. tool.ToDefinition alone cannot tell
// local and external tools apart, since that distinction lives in the
// registry, not in the Tool interface.
func (r *ToolRegistry) Describe(name string) (tool.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return tool.Definition{}, false
	}
	def := tool.ToDefinition(e.tool)
	if !e.local {
		def.Origin = tool.OriginExternal
		def.ServerRef = e.domain
	}
	return def, true
}

// List returns a snapshot of every registered tool.
func (r *ToolRegistry) List() []tool.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tool.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool)
	}
	return out
}

// RemoveDomain removes every tool registered by the given domain — used
// when an MCP server disconnects. Local tools are untouched.
func (r *ToolRegistry) RemoveDomain(domain string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, e := range r.entries {
		if !e.local && e.domain == domain {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// Remove deletes a single tool regardless of origin.
func (r *ToolRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
