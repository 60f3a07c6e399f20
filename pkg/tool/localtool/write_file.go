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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// WriteFileConfig configures the write_file tool.
type WriteFileConfig struct {
	WorkingDirectory string
}

type writeFileTool struct {
	cfg WriteFileConfig
}

// NewWriteFile creates the write_file tool. It Mutates, so it is gated by
// approval policy under every mode except yolo.
func NewWriteFile(cfg WriteFileConfig) tool.CallableTool {
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "."
	}
	return &writeFileTool{cfg: cfg}
}

func (t *writeFileTool) Name() string { return "write_file" }

func (t *writeFileTool) Description() string {
	return "Write content to a file, creating or overwriting it, relative to the working directory."
}

func (t *writeFileTool) Mutates() bool { return true }

func (t *writeFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *writeFileTool) Call(_ context.Context, args map[string]any) (*tool.Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return nil, fmt.Errorf("write_file: path is required")
	}

	fullPath, err := resolveWritablePath(t.cfg.WorkingDirectory, path)
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("write_file: mkdir: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}

	return &tool.Result{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Metadata: map[string]any{
			"path":  path,
			"bytes": len(content),
		},
	}, nil
}

// resolveWritablePath rejects traversal and absolute paths. Like
// resolveSandboxedPath it does not check that the file exists; it tests
// containment with filepath.Rel rather than a string prefix.
func resolveWritablePath(workingDir, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	cleaned := filepath.Clean(path)
	absWorkDir, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absWorkDir, cleaned))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	rel, err := filepath.Rel(absWorkDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory")
	}
	return absPath, nil
}
