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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orkestra-project/kernelforge/pkg/config"
	"github.com/orkestra-project/kernelforge/pkg/domain"
	"github.com/orkestra-project/kernelforge/pkg/kernel"
	"github.com/orkestra-project/kernelforge/pkg/observability"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/tool/localtool"
)

// ServeCmd boots a Kernel and exposes it as an MCP server (C11), the
// kernel's own analogue of hector's "hector serve" A2A server.
type ServeCmd struct {
	Domain      string `help:"Domain overlay file to load at startup." type:"path"`
	WatchDomain bool   `name:"watch-domain" help:"Hot-reload the domain overlay directory on change."`
	WatchConfig bool   `name:"watch-config" help:"Hot-reload the config file on change."`
	WorkingDir  string `name:"working-dir" help:"Sandbox root for the built-in local tools." default:"."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	loader := config.NewLoader(cli.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	k, err := kernel.New(ctx, cfg, kernel.Options{
		BaseInstructions: "You are the orchestration kernel. Use the available tools when they help answer the request.",
		ToolFactory:      defaultToolFactory(c.WorkingDir),
		Observability: observability.Config{
			Metrics: observability.MetricsConfig{Enabled: true},
		},
	})
	if err != nil {
		return fmt.Errorf("serve: construct kernel: %w", err)
	}

	registerDefaultTools(k, c.WorkingDir)

	if c.Domain != "" {
		if err := k.Domains().Load(ctx, c.Domain); err != nil {
			return fmt.Errorf("serve: load domain %s: %w", c.Domain, err)
		}
		if c.WatchDomain {
			if err := k.Domains().Watch(ctx, dirOf(c.Domain)); err != nil {
				return fmt.Errorf("serve: watch domain directory: %w", err)
			}
		}
	}

	if c.WatchConfig {
		loader.OnChange(func(newCfg config.Config) {
			slog.Info("config changed; restart the process to apply it fully", "llm_provider", newCfg.LLMProvider)
		})
		if err := loader.Watch(ctx); err != nil {
			return fmt.Errorf("serve: watch config: %w", err)
		}
	}

	slog.Info("kernel ready", "mcp_listen_address", cfg.MCPListenAddress, "llm_provider", cfg.LLMProvider, "tools", k.Registry().Count())
	return k.MCPServer().Serve(ctx, cfg.MCPListenAddress)
}

// registerDefaultTools installs the built-in local tool pack so a fresh
// checkout has something to call out of the box, the same role hector's
// --tools zero-config flag plays.
func registerDefaultTools(k *kernel.Kernel, workingDir string) {
	reg := k.Registry()
	for _, t := range []tool.CallableTool{
		localtool.NewShellCommand(localtool.ShellCommandConfig{WorkingDirectory: workingDir, Timeout: 30 * time.Second}),
		localtool.NewReadFile(localtool.ReadFileConfig{WorkingDirectory: workingDir}),
		localtool.NewWriteFile(localtool.WriteFileConfig{WorkingDirectory: workingDir}),
	} {
		if err := reg.RegisterLocal(t); err != nil {
			slog.Warn("failed to register default tool", "tool", t.Name(), "error", err)
		}
	}
}

// defaultToolFactory lets a domain overlay's declarative tools resolve to
// the same built-ins keyed by name — a domain that lists "shell_command"
// gets the sandboxed implementation rather than an error.
func defaultToolFactory(workingDir string) domain.ToolFactory {
	return func(def tool.Definition) (tool.CallableTool, error) {
		switch def.Name {
		case "shell_command":
			return localtool.NewShellCommand(localtool.ShellCommandConfig{WorkingDirectory: workingDir, Timeout: 30 * time.Second}), nil
		case "read_file":
			return localtool.NewReadFile(localtool.ReadFileConfig{WorkingDirectory: workingDir}), nil
		case "write_file":
			return localtool.NewWriteFile(localtool.WriteFileConfig{WorkingDirectory: workingDir}), nil
		default:
			return nil, fmt.Errorf("no built-in implementation for domain tool %q", def.Name)
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
