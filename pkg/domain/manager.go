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

// Package domain implements the Domain Manager (C10): a hot-swappable
// overlay of tools, MCP connections, and prompt fragments for a named
// domain, loaded atomically between turns with full rollback on failure.
// Grounded on hector's v2/rag.FileWatcher for the fsnotify-driven reload
// loop, generalised from watching a document directory to watching a
// domain-file directory.
package domain

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orkestra-project/kernelforge/pkg/mcpfleet"
	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// ToolFactory resolves a domain's declarative ToolSpec into a callable
// implementation. The kernel supplies one backed by whatever local tool
// constructors it wires up (pkg/tool/localtool and friends).
type ToolFactory func(def tool.Definition) (tool.CallableTool, error)

// Config wires a Manager to the rest of the kernel.
type Config struct {
	Registry    *registry.ToolRegistry
	Fleet       *mcpfleet.Fleet
	ToolFactory ToolFactory
}

// Manager owns the currently loaded Overlay. Reads (Current) take a
// read-lock; Load takes the write-lock for the full swap, so a turn request
// arriving mid-load blocks on Current until the swap finishes — it is
// queued, not rejected.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	current *Overlay
	agents  []string // MCP agent_ids connected by the current overlay

	watcher *fsnotify.Watcher
	path    string

	onChange func()
}

// New creates an empty Manager; no domain is loaded until Load is called.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// OnChange registers fn to run after every successful Load or Unload, so a
// caller holding a derived view of the registry (the MCP server boundary's
// tool list, for instance) knows when to resync.
func (m *Manager) OnChange(fn func()) {
	m.onChange = fn
}

// Current returns the loaded Overlay, or nil if none is loaded. Blocks for
// the duration of any in-flight Load.
func (m *Manager) Current() *Overlay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Load parses the overlay at path and atomically swaps it in: unload the
// current overlay, install the new one. On any failure during parse or
// install, the previous overlay is fully reinstalled before Load returns
// its error.
func (m *Manager) Load(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, previousAgents := m.current, m.agents
	if previous != nil {
		m.unloadLocked(previous, previousAgents)
		m.current, m.agents = nil, nil
	}

	next, err := ParseOverlay(path)
	if err != nil {
		if previous != nil {
			rbAgents, rbErr := m.installLocked(ctx, previous)
			if rbErr != nil {
				return fmt.Errorf("domain: parse %s failed (%w) and rollback to %q failed: %v", path, err, previous.Name, rbErr)
			}
			m.current, m.agents = previous, rbAgents
		}
		return fmt.Errorf("domain: parse %s: %w", path, err)
	}

	agents, err := m.installLocked(ctx, next)
	if err != nil {
		m.unloadLocked(next, agents)
		if previous != nil {
			rbAgents, rbErr := m.installLocked(ctx, previous)
			if rbErr != nil {
				return fmt.Errorf("domain: load %q failed (%w) and rollback to %q failed: %v", next.Name, err, previous.Name, rbErr)
			}
			m.current, m.agents = previous, rbAgents
		}
		return fmt.Errorf("domain: load %q: %w", next.Name, err)
	}

	m.current, m.agents = next, agents
	m.path = path
	slog.Info("domain loaded", "name", next.Name, "version", next.Version, "tools", len(next.Tools), "mcp_endpoints", len(next.MCPEndpoints))
	if m.onChange != nil {
		m.onChange()
	}
	return nil
}

// Unload clears the currently loaded overlay, deregistering its tools and
// disconnecting its MCP endpoints. A no-op if nothing is loaded.
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.unloadLocked(m.current, m.agents)
	slog.Info("domain unloaded", "name", m.current.Name)
	m.current, m.agents, m.path = nil, nil, ""
	if m.onChange != nil {
		m.onChange()
	}
}

// installLocked registers ov's declarative tools and connects its MCP
// endpoints, tagging every registration with ov.Name so a later unload
// removes exactly what this overlay introduced. Registers/connects are
// best-effort individually attempted, but the first failure aborts the
// remainder and returns an error for the caller to roll back on.
func (m *Manager) installLocked(ctx context.Context, ov *Overlay) ([]string, error) {
	for _, ts := range ov.Tools {
		impl, err := m.resolveTool(ts)
		if err != nil {
			return nil, fmt.Errorf("resolve tool %q: %w", ts.Name, err)
		}
		if err := m.cfg.Registry.RegisterExternal(ov.Name, impl); err != nil {
			return nil, fmt.Errorf("register tool %q: %w", ts.Name, err)
		}
	}

	connected := make([]string, 0, len(ov.MCPEndpoints))
	for _, ep := range ov.MCPEndpoints {
		agentID, err := m.cfg.Fleet.Connect(ctx, ep.endpointDescriptor())
		if err != nil {
			return connected, fmt.Errorf("connect mcp endpoint %q: %w", ep.AgentID, err)
		}
		connected = append(connected, agentID)
	}

	return connected, nil
}

// unloadLocked is installLocked's inverse: it removes every tool ov's name
// tagged in the registry and disconnects every MCP agent_id it connected.
func (m *Manager) unloadLocked(ov *Overlay, agents []string) {
	m.cfg.Registry.RemoveDomain(ov.Name)
	for _, agentID := range agents {
		if err := m.cfg.Fleet.Disconnect(agentID); err != nil {
			slog.Warn("domain unload: failed to disconnect mcp endpoint", "agent_id", agentID, "error", err)
		}
	}
}

func (m *Manager) resolveTool(ts ToolSpec) (tool.CallableTool, error) {
	if m.cfg.ToolFactory == nil {
		return nil, fmt.Errorf("no tool factory configured")
	}
	return m.cfg.ToolFactory(ts.toDefinition())
}

// Watch starts an fsnotify watch on dir and reloads whichever domain file
// changes, debounced the way hector's v2/rag.FileWatcher coalesces rapid
// write events. It returns once the watch goroutine is running; stop it by
// cancelling ctx.
func (m *Manager) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("domain: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("domain: watch %s: %w", dir, err)
	}
	m.watcher = watcher

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	pending := make(map[string]struct{})
	var mu sync.Mutex
	var timer *time.Timer
	const debounce = 150 * time.Millisecond

	flush := func() {
		mu.Lock()
		paths := pending
		pending = make(map[string]struct{})
		mu.Unlock()

		for path := range paths {
			if filepath.Ext(path) != ".yaml" && filepath.Ext(path) != ".yml" {
				continue
			}
			if err := m.Load(ctx, path); err != nil {
				slog.Error("domain hot reload failed", "path", path, "error", err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			mu.Lock()
			pending[ev.Name] = struct{}{}
			mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, flush)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("domain watcher error", "error", err)
		}
	}
}
