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

// Package config holds the kernel's recognised configuration surface and
// loads it the way hector's pkg/config does: koanf over a YAML file
// provider, with ${VAR}/${VAR:-default} environment expansion applied to the
// raw tree before unmarshalling. Unlike hector, this loader only speaks the
// file backend — consul/etcd/zookeeper are dropped (see DESIGN.md) since
// nothing in this kernel's domain model needs a distributed KV store.
package config

import "time"

// Config is every recognised kernel configuration option, enumerated.
type Config struct {
	MaxContextSize       int `yaml:"max_context_size"`
	MaxHistoryLength     int `yaml:"max_history_length"`
	CompressionThreshold int `yaml:"compression_threshold"`

	MaxRetries     int           `yaml:"max_retries"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	RetryJitter    float64       `yaml:"retry_jitter"`

	MaxTurnIterations int `yaml:"max_turn_iterations"`

	PerToolConcurrency    int           `yaml:"per_tool_concurrency"`
	GlobalToolConcurrency int           `yaml:"global_tool_concurrency"`
	DefaultToolTimeout    time.Duration `yaml:"default_tool_timeout"`

	LLMProvider string `yaml:"llm_provider"`
	LLMEndpoint string `yaml:"llm_endpoint"`
	LLMModel    string `yaml:"llm_model"`
	LLMAPIKey   string `yaml:"llm_api_key"`

	MCPListenAddress string `yaml:"mcp_listen_address"`
	MCPAuthToken     string `yaml:"mcp_auth_token"`

	DomainDirectory      string `yaml:"domain_directory"`
	RuntimeDataDirectory string `yaml:"runtime_data_directory"`
}

// Defaults mirrors hector's zero_config.go approach of shipping a workable
// configuration out of the box rather than demanding every field be set.
func Defaults() Config {
	return Config{
		MaxContextSize:        128_000,
		MaxHistoryLength:      200,
		CompressionThreshold:  150,
		MaxRetries:            3,
		BaseRetryDelay:        500 * time.Millisecond,
		RetryJitter:           0.2,
		MaxTurnIterations:     8,
		PerToolConcurrency:    4,
		GlobalToolConcurrency: 16,
		DefaultToolTimeout:    30 * time.Second,
		LLMProvider:           "anthropic",
		MCPListenAddress:      ":8090",
		DomainDirectory:       "./domains",
		RuntimeDataDirectory:  "./data",
	}
}

// Validate enforces the cross-field invariants (compression_threshold <
// max_history_length) plus the basic sanity checks a malformed file or env
// override could otherwise smuggle through.
func (c Config) Validate() error {
	var errs []string
	if c.MaxContextSize <= 0 {
		errs = append(errs, "max_context_size must be positive")
	}
	if c.MaxHistoryLength <= 0 {
		errs = append(errs, "max_history_length must be positive")
	}
	if c.CompressionThreshold <= 0 {
		errs = append(errs, "compression_threshold must be positive")
	}
	if c.CompressionThreshold >= c.MaxHistoryLength {
		errs = append(errs, "compression_threshold must be less than max_history_length")
	}
	if c.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if c.MaxTurnIterations <= 0 {
		errs = append(errs, "max_turn_iterations must be positive")
	}
	if c.PerToolConcurrency <= 0 {
		errs = append(errs, "per_tool_concurrency must be positive")
	}
	if c.GlobalToolConcurrency < c.PerToolConcurrency {
		errs = append(errs, "global_tool_concurrency must be at least per_tool_concurrency")
	}
	if c.DefaultToolTimeout <= 0 {
		errs = append(errs, "default_tool_timeout must be positive")
	}
	switch c.LLMProvider {
	case "anthropic", "openai", "gemini":
	default:
		errs = append(errs, `llm_provider must be one of "anthropic", "openai", "gemini"`)
	}
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

// ValidationError collects every invariant Config.Validate found violated,
// mirroring hector's strict_validator.go's batch-reporting style rather than
// failing on the first error found.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	msg := "config: invalid configuration:"
	for _, s := range e.Errors {
		msg += "\n  - " + s
	}
	return msg
}
