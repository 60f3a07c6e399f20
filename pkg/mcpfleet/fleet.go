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

// Package mcpfleet implements the MCP Client Fleet (C3): it tracks every
// connected Transport, mirrors newly discovered tools into the tool
// registry as external entries, and emits a discovery/disconnect event
// stream the kernel can surface to callers.
package mcpfleet

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/tool/mcptoolset"
)

// EventType enumerates the fleet's discovery/lifecycle event stream.
type EventType string

const (
	EventToolsDiscovered    EventType = "tools_discovered"
	EventToolAdded          EventType = "tool_added"
	EventToolRemoved        EventType = "tool_removed"
	EventToolUpdated        EventType = "tool_updated"
	EventServerDisconnected EventType = "server_disconnected"
)

// Event is one fleet notification.
type Event struct {
	Type    EventType
	AgentID string
	Tools   []string
}

// EndpointDescriptor describes a remote MCP endpoint to connect to.
type EndpointDescriptor struct {
	AgentID string
	Config  mcptoolset.Config
}

// Fleet tracks every connected Transport and keeps the tool registry's
// external entries in sync with what each transport reports.
type Fleet struct {
	connections  *registry.Store[*connection]
	toolRegistry *registry.ToolRegistry

	mu        sync.Mutex
	listeners []chan Event
}

type connection struct {
	agentID   string
	transport *mcptoolset.Transport
	toolNames map[string]bool
}

// New creates an empty Fleet backed by the given tool registry (C1).
func New(toolRegistry *registry.ToolRegistry) *Fleet {
	return &Fleet{
		connections:  registry.New[*connection](),
		toolRegistry: toolRegistry,
	}
}

// Subscribe returns a channel of fleet events. The channel is closed when
// ctx is cancelled.
func (f *Fleet) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)
	f.mu.Lock()
	f.listeners = append(f.listeners, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, l := range f.listeners {
			if l == ch {
				f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (f *Fleet) emit(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		select {
		case l <- e:
		default:
		}
	}
}

// Connect establishes a transport for descriptor, performs the MCP
// handshake, runs initial discovery, and registers every tool it reports as
// external under descriptor.AgentID's domain.
func (f *Fleet) Connect(ctx context.Context, desc EndpointDescriptor) (string, error) {
	if desc.AgentID == "" {
		return "", fmt.Errorf("mcpfleet: agent_id is required")
	}
	if _, exists := f.connections.Get(desc.AgentID); exists {
		return "", fmt.Errorf("mcpfleet: %q is already connected", desc.AgentID)
	}

	transport, err := mcptoolset.New(desc.Config)
	if err != nil {
		return "", fmt.Errorf("mcpfleet: %w", err)
	}
	if err := transport.Initialize(ctx); err != nil {
		return "", fmt.Errorf("mcpfleet: handshake with %q failed: %w", desc.AgentID, err)
	}

	conn := &connection{agentID: desc.AgentID, transport: transport, toolNames: make(map[string]bool)}
	f.connections.Put(desc.AgentID, conn)

	if err := f.discover(desc.AgentID, conn); err != nil {
		f.connections.Remove(desc.AgentID)
		transport.Close()
		return "", fmt.Errorf("mcpfleet: initial discovery for %q failed: %w", desc.AgentID, err)
	}

	return desc.AgentID, nil
}

// discover runs list_tools and reconciles the registry: new names are
// registered and reported added/discovered, names no longer present are
// removed and reported removed, names still present with a changed
// description or schema are reported updated.
func (f *Fleet) discover(agentID string, conn *connection) error {
	tools, err := conn.transport.ListTools(context.Background())
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(tools))
	var added, updated []string
	for _, t := range tools {
		name := t.Name()
		wasKnown := conn.toolNames[name]
		prev, _ := f.toolRegistry.Describe(name)
		if err := f.toolRegistry.RegisterExternal(agentID, t); err != nil {
			// Shadowed by a local tool or claimed by a different domain:
			// skip it, this one never becomes visible to the LLM.
			continue
		}
		seen[name] = true
		if !wasKnown {
			added = append(added, name)
		} else if next := tool.ToDefinition(t); prev.Description != next.Description || !reflect.DeepEqual(prev.Parameters, next.Parameters) {
			updated = append(updated, name)
		}
	}

	var removed []string
	for name := range conn.toolNames {
		if !seen[name] {
			f.toolRegistry.Remove(name)
			removed = append(removed, name)
		}
	}
	conn.toolNames = seen

	allNames := make([]string, 0, len(seen))
	for name := range seen {
		allNames = append(allNames, name)
	}

	f.emit(Event{Type: EventToolsDiscovered, AgentID: agentID, Tools: allNames})
	if len(added) > 0 {
		f.emit(Event{Type: EventToolAdded, AgentID: agentID, Tools: added})
	}
	if len(removed) > 0 {
		f.emit(Event{Type: EventToolRemoved, AgentID: agentID, Tools: removed})
	}
	if len(updated) > 0 {
		f.emit(Event{Type: EventToolUpdated, AgentID: agentID, Tools: updated})
	}
	return nil
}

// Rediscover re-runs list_tools for an already-connected agent. The
// transport does not trigger it on tools.listChanged; a caller must.
func (f *Fleet) Rediscover(agentID string) error {
	conn, ok := f.connections.Get(agentID)
	if !ok {
		return fmt.Errorf("mcpfleet: %q is not connected", agentID)
	}
	return f.discover(agentID, conn)
}

// Disconnect closes the transport for agentID and removes every tool it
// had registered from C1, exactly and completely.
func (f *Fleet) Disconnect(agentID string) error {
	conn, ok := f.connections.Get(agentID)
	if !ok {
		return fmt.Errorf("mcpfleet: %q is not connected", agentID)
	}
	f.connections.Remove(agentID)

	removed := f.toolRegistry.RemoveDomain(agentID)
	err := conn.transport.Close()

	f.emit(Event{Type: EventServerDisconnected, AgentID: agentID, Tools: removed})
	return err
}

// ListConnected returns the agent_id of every currently connected transport.
func (f *Fleet) ListConnected() []string {
	return f.connections.Names()
}

// Capabilities returns the tool names currently registered for agentID.
func (f *Fleet) Capabilities(agentID string) ([]string, error) {
	conn, ok := f.connections.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("mcpfleet: %q is not connected", agentID)
	}
	names := make([]string, 0, len(conn.toolNames))
	for name := range conn.toolNames {
		names = append(names, name)
	}
	return names, nil
}

// Call invokes a tool hosted by agentID. This is the ExternalDispatcher
// shape the Tool Execution Manager (C4) depends on.
func (f *Fleet) Call(ctx context.Context, agentID, toolName string, args map[string]any) (*tool.Result, error) {
	conn, ok := f.connections.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("mcpfleet: %q is not connected", agentID)
	}
	if conn.transport.State() != mcptoolset.StateReady {
		return nil, fmt.Errorf("mcpfleet: %q transport is not ready", agentID)
	}
	return conn.transport.CallTool(ctx, toolName, args)
}

// CallTool satisfies toolexec.ExternalDispatcher directly: serverRef is the
// agent_id recorded on the tool's Definition.ServerRef by RegisterExternal.
func (f *Fleet) CallTool(ctx context.Context, serverRef, toolName string, args map[string]any) (*tool.Result, error) {
	return f.Call(ctx, serverRef, toolName, args)
}
