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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults_PassValidation(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("expected defaults to be valid, got %v", err)
	}
}

func TestValidate_RejectsCompressionThresholdAtOrAboveMaxHistoryLength(t *testing.T) {
	cfg := Defaults()
	cfg.CompressionThreshold = cfg.MaxHistoryLength
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when compression_threshold >= max_history_length")
	}
}

func TestValidate_RejectsGlobalConcurrencyBelowPerTool(t *testing.T) {
	cfg := Defaults()
	cfg.PerToolConcurrency = 8
	cfg.GlobalToolConcurrency = 4
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when global_tool_concurrency < per_tool_concurrency")
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoader_LoadParsesAndValidates(t *testing.T) {
	path := writeConfigFile(t, `
max_context_size: 64000
max_history_length: 100
compression_threshold: 50
max_retries: 5
base_retry_delay: 250ms
retry_jitter: 0.1
max_turn_iterations: 10
per_tool_concurrency: 2
global_tool_concurrency: 8
default_tool_timeout: 15s
llm_model: gpt-test
domain_directory: ./domains
runtime_data_directory: ./data
`)
	l := NewLoader(path)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxContextSize != 64000 {
		t.Fatalf("expected max_context_size 64000, got %d", cfg.MaxContextSize)
	}
	if cfg.BaseRetryDelay != 250*time.Millisecond {
		t.Fatalf("expected base_retry_delay 250ms, got %v", cfg.BaseRetryDelay)
	}
	if l.Current().LLMModel != "gpt-test" {
		t.Fatalf("expected Current() to reflect the just-loaded config")
	}
}

func TestLoader_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("KERNEL_TEST_TOKEN", "shh")
	path := writeConfigFile(t, `
max_context_size: 1000
max_history_length: 100
compression_threshold: 50
max_retries: 1
max_turn_iterations: 5
per_tool_concurrency: 1
global_tool_concurrency: 1
default_tool_timeout: 1s
mcp_auth_token: ${KERNEL_TEST_TOKEN}
`)
	l := NewLoader(path)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MCPAuthToken != "shh" {
		t.Fatalf("expected mcp_auth_token expanded to 'shh', got %q", cfg.MCPAuthToken)
	}
}

func TestLoader_EnvVarDefaultFallsBackWhenUnset(t *testing.T) {
	path := writeConfigFile(t, `
max_context_size: 1000
max_history_length: 100
compression_threshold: 50
max_retries: 1
max_turn_iterations: 5
per_tool_concurrency: 1
global_tool_concurrency: 1
default_tool_timeout: 1s
mcp_listen_address: ${KERNEL_TEST_ADDR:-:9999}
`)
	l := NewLoader(path)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MCPListenAddress != ":9999" {
		t.Fatalf("expected fallback default ':9999', got %q", cfg.MCPListenAddress)
	}
}

func TestLoader_RejectsInvalidConfiguration(t *testing.T) {
	path := writeConfigFile(t, `
max_context_size: 1000
max_history_length: 10
compression_threshold: 50
max_retries: 1
max_turn_iterations: 5
per_tool_concurrency: 1
global_tool_concurrency: 1
default_tool_timeout: 1s
`)
	l := NewLoader(path)
	if _, err := l.Load(); err == nil {
		t.Fatalf("expected an error for compression_threshold >= max_history_length")
	}
}
