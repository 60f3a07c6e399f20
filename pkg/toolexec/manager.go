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

package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// ToolLookup resolves a registered tool and its wire Definition, including
// the origin/domain metadata only the registry knows about. Satisfied
// directly by *registry.ToolRegistry.
type ToolLookup interface {
	Get(name string) (tool.Tool, bool)
	Describe(name string) (tool.Definition, bool)
}

// ExternalDispatcher resolves the right MCP transport for an externally
// hosted tool and invokes it. The MCP client fleet implements this.
type ExternalDispatcher interface {
	CallTool(ctx context.Context, serverRef, toolName string, args map[string]any) (*tool.Result, error)
}

// Config configures a Manager.
type Config struct {
	DefaultTimeout        time.Duration
	PerToolConcurrency    int64
	GlobalToolConcurrency int64
}

// Manager is the Tool Execution Manager (C4).
type Manager struct {
	registry  ToolLookup
	external  ExternalDispatcher
	policyFor func(tool.ApprovalMode) ApprovalPolicy
	cfg       Config

	globalSem *semaphore.Weighted

	mu         sync.Mutex
	perToolSem map[string]*semaphore.Weighted
	seenCallID map[string]bool // duplicate-call-id detection, reset per turn by caller via NewTurn

	execMu     sync.RWMutex
	executions map[string]*ToolExecution // keyed by ExecutionID, for the Submit/Execution polling path

	approvalMu sync.Mutex
	pending    map[string]chan bool // keyed by ExecutionID, resolved by ResolveApproval
}

// New creates a Manager.
func New(reg ToolLookup, external ExternalDispatcher, cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.PerToolConcurrency <= 0 {
		cfg.PerToolConcurrency = 4
	}
	if cfg.GlobalToolConcurrency <= 0 {
		cfg.GlobalToolConcurrency = 16
	}
	return &Manager{
		registry:   reg,
		external:   external,
		policyFor:  PolicyFor,
		cfg:        cfg,
		globalSem:  semaphore.NewWeighted(cfg.GlobalToolConcurrency),
		perToolSem: make(map[string]*semaphore.Weighted),
		seenCallID: make(map[string]bool),
		executions: make(map[string]*ToolExecution),
		pending:    make(map[string]chan bool),
	}
}

// NewTurn resets the duplicate-call-id tracking for a fresh turn.
func (m *Manager) NewTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seenCallID = make(map[string]bool)
}

func (m *Manager) toolSemaphore(name string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.perToolSem[name]
	if !ok {
		sem = semaphore.NewWeighted(m.cfg.PerToolConcurrency)
		m.perToolSem[name] = sem
	}
	return sem
}

func (m *Manager) markSeen(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenCallID[callID] {
		return false
	}
	m.seenCallID[callID] = true
	return true
}

// ExecuteToolCall is the Tool Execution Manager's unified dispatch entry
// point, used by the turn engine for a single LLM-requested call. It runs
// synchronously so the turn engine can preserve the order calls were issued
// in when it reports their results back to the caller. The execution is
// tracked under the call's own id, so a pending approval decision can be
// resolved by passing that same id to ResolveApproval.
func (m *Manager) ExecuteToolCall(ctx context.Context, call conversation.ToolCall, approvalMode tool.ApprovalMode, allowedTools []string) conversation.ToolResult {
	exec := &ToolExecution{
		ExecutionID: call.ID,
		ToolName:    call.Function.Name,
		State:       StateValidating,
		SubmittedAt: time.Now(),
	}
	return m.run(ctx, exec, call, approvalMode, allowedTools)
}

// Submit is the asynchronous counterpart to ExecuteToolCall, used by the MCP
// server boundary so a remote tools/call caller can poll or stream
// execution-lifecycle events instead of blocking the request goroutine on
// the full dispatch. It returns immediately with an execution id; the
// caller retrieves the terminal ToolResult via Execution.
func (m *Manager) Submit(toolDef tool.Definition, parameters map[string]any) string {
	exec := &ToolExecution{
		ExecutionID: uuid.NewString(),
		ToolName:    toolDef.Name,
		State:       StateValidating,
		SubmittedAt: time.Now(),
	}
	m.trackExecution(exec)

	argsJSON, _ := json.Marshal(parameters)
	call := conversation.ToolCall{
		ID:   exec.ExecutionID,
		Type: "function",
		Function: conversation.ToolCallFunction{
			Name:      toolDef.Name,
			Arguments: string(argsJSON),
		},
	}

	go m.run(context.Background(), exec, call, toolDef.ApprovalMode, nil)
	return exec.ExecutionID
}

// Execution returns a read-only snapshot of a submitted execution. The
// second return value is false if no execution with that id was ever
// tracked by this Manager.
func (m *Manager) Execution(executionID string) (ToolExecution, bool) {
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ToolExecution{}, false
	}
	return exec.Snapshot(), true
}

func (m *Manager) trackExecution(exec *ToolExecution) {
	m.execMu.Lock()
	m.executions[exec.ExecutionID] = exec
	m.execMu.Unlock()
}

// awaitApproval suspends the calling goroutine until a human decision
// arrives via ResolveApproval, or ctx is cancelled first. This is the
// approval queue for the default and auto_edit modes: a call those policies
// do not auto-approve has no other way to be cleared for dispatch.
func (m *Manager) awaitApproval(ctx context.Context, executionID string) bool {
	ch := make(chan bool, 1)
	m.approvalMu.Lock()
	m.pending[executionID] = ch
	m.approvalMu.Unlock()

	defer func() {
		m.approvalMu.Lock()
		delete(m.pending, executionID)
		m.approvalMu.Unlock()
	}()

	select {
	case approved := <-ch:
		return approved
	case <-ctx.Done():
		return false
	}
}

// ResolveApproval resumes an execution suspended in awaitApproval, granting
// or denying it. It reports an error if no execution with that id is
// currently waiting — either the id is wrong, it was already resolved, or
// the caller's context was cancelled first.
func (m *Manager) ResolveApproval(executionID string, approved bool) error {
	m.approvalMu.Lock()
	ch, ok := m.pending[executionID]
	if ok {
		delete(m.pending, executionID)
	}
	m.approvalMu.Unlock()
	if !ok {
		return fmt.Errorf("toolexec: no execution %q is awaiting approval", executionID)
	}
	ch <- approved
	return nil
}

// run performs the validate → approve → quota → dispatch pipeline shared by
// ExecuteToolCall and Submit, mutating exec in place as it advances.
func (m *Manager) run(ctx context.Context, exec *ToolExecution, call conversation.ToolCall, approvalMode tool.ApprovalMode, allowedTools []string) conversation.ToolResult {
	m.trackExecution(exec)

	if !m.markSeen(call.ID) {
		return failResult(call, exec, newError(KindDuplicateCallId, call.Function.Name, "duplicate tool_call id within turn"))
	}

	def, ok := m.registry.Describe(call.Function.Name)
	if !ok {
		return failResult(call, exec, newError(KindToolNotFound, call.Function.Name, "not registered"))
	}

	args, err := call.ParsedArguments()
	if err != nil {
		return failResult(call, exec, newError(KindInvalidParameters, def.Name, err.Error()))
	}
	exec.Parameters = args

	if def.Parameters != nil {
		if err := validateSchema(def.Parameters, args); err != nil {
			return failResult(call, exec, newError(KindInvalidParameters, def.Name, err.Error()))
		}
	}

	mode := approvalMode
	if mode == "" {
		mode = def.ApprovalMode
		if mode == "" {
			mode = tool.ApprovalModeDefault
		}
	}
	exec.ApprovalMode = mode

	policy := m.policyFor(mode)
	exec.advance(StateAwaitingApproval)
	approved := policy.Approve(ApprovalRequest{Definition: def, Parameters: args, AllowedTools: allowedTools})
	if !approved && (mode == tool.ApprovalModeDefault || mode == tool.ApprovalModeAutoEdit) {
		// A false from DefaultPolicy or AutoEditPolicy means "not
		// auto-approved", not "denied": a human decision is needed, so the
		// execution suspends here until
		// ResolveApproval wakes it (or the caller's context is cancelled).
		approved = m.awaitApproval(ctx, exec.ExecutionID)
	}
	exec.Approved = approved
	if !approved {
		exec.advance(StateCompleted)
		exec.CompletedAt = time.Now()
		return failResult(call, exec, newError(KindApprovalDenied, def.Name, "denied by approval policy"))
	}

	exec.advance(StateScheduled)
	if err := m.acquireQuota(ctx, def.Name); err != nil {
		exec.advance(StateCompleted)
		exec.CompletedAt = time.Now()
		return failResult(call, exec, newError(KindQuotaExceeded, def.Name, err.Error()))
	}
	defer m.releaseQuota(def.Name)

	exec.advance(StateExecuting)
	exec.ExecutedAt = time.Now()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.DefaultTimeout)
	defer cancel()

	result, err := m.dispatch(callCtx, def, args)
	exec.advance(StateCompleted)
	exec.CompletedAt = time.Now()

	if err != nil {
		if callCtx.Err() != nil {
			return failResult(call, exec, newError(KindToolTimeout, def.Name, "exceeded default_tool_timeout"))
		}
		return failResult(call, exec, err)
	}

	exec.Result = result
	return normalizeResult(call, def, result)
}

func (m *Manager) acquireQuota(ctx context.Context, toolName string) error {
	if err := m.globalSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("global tool concurrency exceeded: %w", err)
	}
	if err := m.toolSemaphore(toolName).Acquire(ctx, 1); err != nil {
		m.globalSem.Release(1)
		return fmt.Errorf("per-tool concurrency exceeded for %s: %w", toolName, err)
	}
	return nil
}

func (m *Manager) releaseQuota(toolName string) {
	m.toolSemaphore(toolName).Release(1)
	m.globalSem.Release(1)
}

func (m *Manager) dispatch(ctx context.Context, def tool.Definition, args map[string]any) (*tool.Result, error) {
	if def.Origin == tool.OriginExternal {
		if m.external == nil {
			return nil, newError(KindToolUnavailable, def.Name, "no external dispatcher configured")
		}
		result, err := m.external.CallTool(ctx, def.ServerRef, def.Name, args)
		if err != nil {
			return nil, newError(KindToolUnavailable, def.Name, err.Error())
		}
		return result, nil
	}

	t, ok := m.registry.Get(def.Name)
	if !ok {
		return nil, newError(KindToolNotFound, def.Name, "not registered")
	}
	callable, ok := t.(tool.CallableTool)
	if !ok {
		return nil, newError(KindToolUnavailable, def.Name, "tool is not callable")
	}
	return callable.Call(ctx, args)
}

func validateSchema(schema map[string]any, args map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var v any
	if err := json.Unmarshal(argsJSON, &v); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func failResult(call conversation.ToolCall, exec *ToolExecution, err error) conversation.ToolResult {
	exec.Err = err
	if exec.State != StateCompleted {
		exec.advance(StateCompleted)
		exec.CompletedAt = time.Now()
	}
	return conversation.ToolResult{
		ToolCallID:  call.ID,
		ToolName:    call.Function.Name,
		Success:     false,
		Error:       err.Error(),
		StartedAt:   exec.SubmittedAt,
		CompletedAt: time.Now(),
	}
}

func normalizeResult(call conversation.ToolCall, def tool.Definition, result *tool.Result) conversation.ToolResult {
	if result == nil {
		result = &tool.Result{}
	}
	content := result.Content
	text, ok := content.(string)
	if !ok {
		b, _ := json.Marshal(content)
		text = string(b)
	}
	success := result.Error == ""
	return conversation.ToolResult{
		ToolCallID:    call.ID,
		ToolName:      def.Name,
		Success:       success,
		LLMContent:    text,
		ReturnDisplay: text,
		Error:         result.Error,
		CompletedAt:   time.Now(),
	}
}
