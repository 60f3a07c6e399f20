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

package localtool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// ShellCommandConfig configures the shell_command tool.
type ShellCommandConfig struct {
	WorkingDirectory string
	Timeout          time.Duration
}

type shellCommandTool struct {
	cfg ShellCommandConfig
}

// NewShellCommand creates the shell_command tool. It Mutates and is always
// subject to approval outside yolo mode, regardless of the command run.
func NewShellCommand(cfg ShellCommandConfig) tool.CallableTool {
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "."
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &shellCommandTool{cfg: cfg}
}

func (t *shellCommandTool) Name() string { return "shell_command" }

func (t *shellCommandTool) Description() string {
	return "Run a shell command in the working directory and return its combined stdout/stderr."
}

func (t *shellCommandTool) Mutates() bool { return true }

func (t *shellCommandTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to execute"},
		},
		"required": []string{"command"},
	}
}

func (t *shellCommandTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell_command: command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.cfg.WorkingDirectory

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return nil, fmt.Errorf("shell_command: %w", err)
	}

	return &tool.Result{
		Content: out.String(),
		Metadata: map[string]any{
			"exit_code": exitCode,
		},
	}, nil
}
