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

// Package kernel wires every other package into a single dependency-
// injection root: one Kernel value owns the tool registry, the MCP client
// fleet, the tool execution manager, the session plane, the domain
// manager, the turn engine, and the MCP server boundary, and is the only
// type an entrypoint needs to construct.
package kernel

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/orkestra-project/kernelforge/pkg/config"
	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/domain"
	"github.com/orkestra-project/kernelforge/pkg/llm"
	"github.com/orkestra-project/kernelforge/pkg/llm/anthropic"
	"github.com/orkestra-project/kernelforge/pkg/llm/gemini"
	"github.com/orkestra-project/kernelforge/pkg/llm/openai"
	"github.com/orkestra-project/kernelforge/pkg/mcpfleet"
	"github.com/orkestra-project/kernelforge/pkg/mcpserver"
	"github.com/orkestra-project/kernelforge/pkg/observability"
	"github.com/orkestra-project/kernelforge/pkg/promptbuilder"
	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/retry"
	"github.com/orkestra-project/kernelforge/pkg/session"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/toolexec"
	"github.com/orkestra-project/kernelforge/pkg/turn"
)

// Options bundles the pieces New needs beyond the recognised Config surface:
// the base system prompt and the factory that resolves a domain overlay's
// declarative ToolSpecs into callable implementations. Neither has a
// sensible zero value, so they are kept out of config.Config.
type Options struct {
	BaseInstructions string
	ToolFactory      domain.ToolFactory
	Observability    observability.Config
}

// Kernel is the kernel's single composition root. Every field is built once
// in New and never replaced; a configuration change that needs a different
// LLM provider or retry policy is handled by constructing a new Kernel, not
// by mutating this one in place.
type Kernel struct {
	cfg     config.Config
	model   llm.LLM
	retrier *retry.Controller

	registry *registry.ToolRegistry
	fleet    *mcpfleet.Fleet
	execMgr  *toolexec.Manager
	sessions *session.Manager
	domains  *domain.Manager
	engine   *turn.Engine
	mcpSrv   *mcpserver.Server
	metrics  *observability.Metrics
	tokens   *conversation.TokenCounter

	baseInstructions string
}

// New wires every component in dependency order: LLM provider, metrics,
// registry, MCP fleet, tool execution manager, retry controller, turn
// engine, session plane, domain manager, MCP server boundary, token counter.
func New(ctx context.Context, cfg config.Config, opts Options) (*Kernel, error) {
	model, err := newLLM(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: construct llm provider: %w", err)
	}

	metrics, err := observability.NewMetrics(&opts.Observability.Metrics)
	if err != nil {
		return nil, fmt.Errorf("kernel: construct metrics: %w", err)
	}

	reg := registry.NewToolRegistry()
	fleet := mcpfleet.New(reg)
	execMgr := toolexec.New(reg, fleet, toolexec.Config{
		DefaultTimeout:        cfg.DefaultToolTimeout,
		PerToolConcurrency:    int64(cfg.PerToolConcurrency),
		GlobalToolConcurrency: int64(cfg.GlobalToolConcurrency),
	})
	retrier := retry.New(retry.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseRetryDelay,
		Jitter:     cfg.RetryJitter > 0,
		MaxDelay:   retry.DefaultConfig().MaxDelay,
	})
	engine := turn.New(model, execMgr, retrier, turn.Config{
		MaxTurnIterations:     cfg.MaxTurnIterations,
		ToolFanoutConcurrency: cfg.PerToolConcurrency,
	})
	sessions := session.New(conversation.CompressionConfig{
		MaxHistoryLength:     cfg.MaxHistoryLength,
		CompressionThreshold: cfg.CompressionThreshold,
	})
	domains := domain.New(domain.Config{
		Registry:    reg,
		Fleet:       fleet,
		ToolFactory: opts.ToolFactory,
	})

	mcpSrv := mcpserver.New(mcpserver.Config{
		Name:      "kernelforge",
		Version:   model.Name(),
		BaseURL:   fmt.Sprintf("http://localhost%s", cfg.MCPListenAddress),
		AuthToken: cfg.MCPAuthToken,
	}, reg, execMgr)
	domains.OnChange(mcpSrv.Sync)

	tokens, err := conversation.NewTokenCounter(cfg.LLMModel)
	if err != nil {
		return nil, fmt.Errorf("kernel: construct token counter: %w", err)
	}

	return &Kernel{
		cfg:              cfg,
		model:            model,
		retrier:          retrier,
		registry:         reg,
		fleet:            fleet,
		execMgr:          execMgr,
		sessions:         sessions,
		domains:          domains,
		engine:           engine,
		mcpSrv:           mcpSrv,
		metrics:          metrics,
		tokens:           tokens,
		baseInstructions: opts.BaseInstructions,
	}, nil
}

// newLLM selects and constructs the configured provider. Every provider
// needs an API key; which environment variable supplies it is an
// entrypoint concern (cmd/kernel), not this package's — callers pass it
// through cfg.LLMAPIKey however they resolved it.
func newLLM(ctx context.Context, cfg config.Config) (llm.LLM, error) {
	switch cfg.LLMProvider {
	case "", "anthropic":
		return anthropic.New(anthropic.WithAPIKey(cfg.LLMAPIKey), anthropic.WithModel(cfg.LLMModel))
	case "openai":
		opts := []openai.Option{openai.WithAPIKey(cfg.LLMAPIKey), openai.WithModel(cfg.LLMModel)}
		if cfg.LLMEndpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMEndpoint))
		}
		return openai.New(opts...)
	case "gemini":
		return gemini.New(ctx, gemini.WithAPIKey(cfg.LLMAPIKey), gemini.WithModel(cfg.LLMModel))
	default:
		return nil, fmt.Errorf("kernel: unrecognised llm_provider %q", cfg.LLMProvider)
	}
}

// Registry exposes the tool registry so an entrypoint can register local
// tools (pkg/tool/localtool and friends) before serving traffic.
func (k *Kernel) Registry() *registry.ToolRegistry { return k.registry }

// Fleet exposes the MCP client fleet so an entrypoint can connect
// standing endpoints that are not tied to any domain overlay.
func (k *Kernel) Fleet() *mcpfleet.Fleet { return k.fleet }

// Domains exposes the domain manager so an entrypoint can Load an initial
// overlay and start Watch before serving traffic.
func (k *Kernel) Domains() *domain.Manager { return k.domains }

// MCPServer exposes the MCP server boundary so an entrypoint can call Serve.
func (k *Kernel) MCPServer() *mcpserver.Server { return k.mcpSrv }

// Metrics exposes the Prometheus collectors, or nil if disabled.
func (k *Kernel) Metrics() *observability.Metrics { return k.metrics }

// PromptRequest is the inbound submit_prompt API surface: content,
// session_id?, streaming?, tool_policy? -> stream of turn events.
type PromptRequest struct {
	Content      string
	SessionID    string
	Streaming    bool
	ToolPolicy   conversation.ToolPolicy
	CustomTools  []string
	AllowedTools []string
}

// SubmitPrompt runs one turn for req and returns its event stream. The
// returned sequence must be drained to completion (or abandoned by
// cancelling ctx): the session's turn-admission lock is held for exactly as
// long as the caller is consuming events, so a caller that stops ranging
// early still releases the session for the next turn as soon as it breaks
// out of the loop.
func (k *Kernel) SubmitPrompt(ctx context.Context, req PromptRequest) iter.Seq2[*turn.Event, error] {
	return func(yield func(*turn.Event, error) bool) {
		if req.SessionID == "" {
			req.SessionID = uuid.NewString()
		}
		role := conversation.RoleUser

		k.metrics.RecordTurnStarted(req.SessionID)

		err := k.sessions.WithTurn(ctx, req.SessionID, func(ctx context.Context, sess *conversation.Session) error {
			p := &conversation.PromptObject{
				PromptID:         uuid.NewString(),
				Content:          req.Content,
				Role:             role,
				ToolPolicy:       resolveToolPolicy(req),
				CustomTools:      req.CustomTools,
				AllowedTools:     req.AllowedTools,
				StreamingEnabled: req.Streaming,
				Status:           conversation.StatusCreated,
			}
			build := k.buildRequest(p, sess)

			for ev, runErr := range k.engine.Run(ctx, p, build) {
				if ev != nil && ev.Type == turn.EventError {
					k.metrics.RecordTurnError(string(ev.State))
				}
				if !yield(ev, runErr) {
					return nil
				}
			}
			if p.Status == conversation.StatusCompleted && !p.SkipSessionHistory {
				sess.AppendTurn(ctx, p.ConversationHistory)
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
		k.metrics.SetSessionsActive(k.sessions.Count())
	}
}

func resolveToolPolicy(req PromptRequest) conversation.ToolPolicy {
	if req.ToolPolicy != "" {
		return req.ToolPolicy
	}
	if len(req.CustomTools) > 0 {
		return conversation.ToolPolicyNamedSubset
	}
	return conversation.ToolPolicyAllAvailable
}

// buildRequest closes over the registry, the active domain overlay, and the
// session's history plane to satisfy turn.BuildRequest, keeping the turn
// engine itself agnostic of how the prompt builder's inputs are assembled.
func (k *Kernel) buildRequest(p *conversation.PromptObject, sess *conversation.Session) turn.BuildRequest {
	return func(history []conversation.Message) *llm.Request {
		defs := k.toolDefinitions()

		var overlay promptbuilder.DomainOverlay
		if ov := k.domains.Current(); ov != nil {
			overlay = promptbuilder.DomainOverlay{Name: ov.Name, Fragments: ov.PromptFragments}
		}

		messages := promptbuilder.Build(promptbuilder.Input{
			BaseInstructions: k.baseInstructions,
			PromptObject:     p,
			SessionHistory:   sess.History(),
			Tools:            promptbuilder.ToolView{Definitions: defs},
			Domain:           overlay,
		})
		// max_context_size is the hard backstop applied after ordinary
		// history compression: if a single turn's system message, tool
		// catalogue, and history still exceed the budget, drop the oldest
		// messages (never the system message at index 0) until it fits.
		messages = k.fitContextBudget(messages)
		return &llm.Request{
			Messages: messages,
			Tools:    filterTools(defs, p),
		}
	}
}

// fitContextBudget keeps the leading system message (instructions + tool
// catalogue) fixed and applies TokenCounter.FitWithinBudget to the rest, so
// a persistently oversized history can never silently drop the system
// message itself.
func (k *Kernel) fitContextBudget(messages []conversation.Message) []conversation.Message {
	if len(messages) == 0 || k.tokens == nil {
		return messages
	}
	head, rest := messages[:1], messages[1:]
	if head[0].Role != conversation.RoleSystem {
		head, rest = nil, messages
	}
	budget := k.cfg.MaxContextSize - k.tokens.Count(head)
	fitted := k.tokens.FitWithinBudget(rest, budget)
	return append(append([]conversation.Message{}, head...), fitted...)
}

func (k *Kernel) toolDefinitions() []tool.Definition {
	tools := k.registry.List()
	defs := make([]tool.Definition, 0, len(tools))
	for _, t := range tools {
		if def, ok := k.registry.Describe(t.Name()); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// filterTools narrows the definitions handed to the LLM adapter's
// function-calling surface to the same set promptbuilder.Build renders
// into the catalogue, so the model is never offered a tool its own system
// message didn't describe.
func filterTools(defs []tool.Definition, p *conversation.PromptObject) []tool.Definition {
	if p.ToolPolicy == conversation.ToolPolicyNone {
		return nil
	}
	if p.ToolPolicy != conversation.ToolPolicyNamedSubset {
		return defs
	}
	allowed := make(map[string]bool, len(p.CustomTools))
	for _, name := range p.CustomTools {
		allowed[name] = true
	}
	out := make([]tool.Definition, 0, len(p.CustomTools))
	for _, def := range defs {
		if allowed[def.Name] {
			out = append(out, def)
		}
	}
	return out
}
