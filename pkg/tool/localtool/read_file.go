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

// Package localtool provides reference CallableTool implementations the
// kernel registers by default: shell_command, read_file and write_file.
package localtool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// ReadFileConfig configures the read_file tool.
type ReadFileConfig struct {
	WorkingDirectory string
	MaxFileSize      int64
}

type readFileTool struct {
	cfg ReadFileConfig
}

// NewReadFile creates the read_file tool, sandboxed to WorkingDirectory.
func NewReadFile(cfg ReadFileConfig) tool.CallableTool {
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "."
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	return &readFileTool{cfg: cfg}
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read the contents of a file, optionally restricted to a line range, relative to the working directory."
}

func (t *readFileTool) Mutates() bool { return false }

func (t *readFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "File path relative to the working directory"},
			"start_line": map[string]any{"type": "integer", "minimum": 1},
			"end_line":   map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"path"},
	}
}

func (t *readFileTool) Call(_ context.Context, args map[string]any) (*tool.Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("read_file: path is required")
	}
	fullPath, err := resolveSandboxedPath(t.cfg.WorkingDirectory, path)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("read_file: stat: %w", err)
	}
	if info.Size() > t.cfg.MaxFileSize {
		return nil, fmt.Errorf("read_file: file too large: %d bytes (max %d)", info.Size(), t.cfg.MaxFileSize)
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}

	lines := strings.Split(string(content), "\n")
	start := intArg(args, "start_line", 1)
	end := intArg(args, "end_line", len(lines))
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil, fmt.Errorf("read_file: start_line (%d) exceeds end_line (%d)", start, end)
	}

	var b strings.Builder
	for i := start - 1; i < end; i++ {
		fmt.Fprintf(&b, "%6d| %s\n", i+1, lines[i])
	}

	return &tool.Result{
		Content: b.String(),
		Metadata: map[string]any{
			"path":        path,
			"total_lines": len(lines),
		},
	}, nil
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func resolveSandboxedPath(workingDir, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("path escapes working directory")
	}
	absWorkDir, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absWorkDir, cleaned))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if !strings.HasPrefix(absPath, absWorkDir) {
		return "", fmt.Errorf("path escapes working directory")
	}
	return absPath, nil
}
