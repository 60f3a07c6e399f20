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

// Package mcptoolset implements the MCP Transport (C2): one connection to
// one remote MCP-speaking agent, over either the stdio subprocess
// convention (via mark3labs/mcp-go) or the streamable-HTTP/SSE convention
// (hand-rolled JSON-RPC 2.0 envelopes, since that variant's session-id
// header echoing is specific to this kernel's contract).
package mcptoolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/orkestra-project/kernelforge/pkg/retry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
)

// State is a transport's lifecycle stage.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateFailing    State = "failing"
	StateClosed     State = "closed"
)

const protocolVersion = "2025-06-18"

// Transport is one connection to one remote agent.
type Transport struct {
	cfg Config

	mu    sync.Mutex
	state State

	stdio      *mcpclient.Client
	httpClient *http.Client
	retrier    *retry.Controller
	sessionID  string
	nextID     int64

	// OnToolsChanged is stored but never invoked by Transport: it does not
	// handle tools.listChanged notifications, and C3 does not set it.
	// Re-discovery runs only when a caller invokes Fleet.Rediscover.
	OnToolsChanged func()
}

// Config configures a Transport.
type Config struct {
	// Name identifies the remote agent (becomes the tool registry's domain).
	Name string

	// Transport selects "stdio", "sse", or "streamable-http".
	Transport string

	// Command/Args/Env configure the stdio subprocess.
	Command string
	Args    []string
	Env     map[string]string

	// URL is the MCP server endpoint for the HTTP transports.
	URL string

	// CallTimeout bounds a single call_tool round trip.
	CallTimeout time.Duration

	// RetryConfig governs request-level retries for transient HTTP faults.
	// This is independent of C3's reconnect decision: C2 retries within one
	// call, it never re-establishes a closed transport on its own.
	RetryConfig retry.Config
}

// New creates a Transport in state connecting. Call Initialize to perform
// the MCP handshake.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcptoolset: either url or command is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Transport{
		cfg:     cfg,
		state:   StateConnecting,
		retrier: retry.New(cfg.RetryConfig),
	}, nil
}

// State reports the transport's current lifecycle stage.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transport) usesStdio() bool {
	return t.cfg.Command != "" || t.cfg.Transport == "stdio"
}

// Initialize performs the MCP handshake and negotiates the protocol
// version. A version mismatch is reported as a HandshakeError.
func (t *Transport) Initialize(ctx context.Context) error {
	var err error
	if t.usesStdio() {
		err = t.initStdio(ctx)
	} else {
		err = t.initHTTP(ctx)
	}
	if err != nil {
		t.setState(StateFailing)
		return err
	}
	t.setState(StateReady)
	return nil
}

func (t *Transport) initStdio(ctx context.Context) error {
	c, err := mcpclient.NewStdioMCPClient(t.cfg.Command, envSlice(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcptoolset: create stdio client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("mcptoolset: start stdio client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "kernelforge", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = protocolVersion

	result, err := c.Initialize(ctx, initReq)
	if err != nil {
		c.Close()
		return &HandshakeError{Cause: err}
	}
	if result.ProtocolVersion != protocolVersion {
		c.Close()
		return &HandshakeError{Cause: fmt.Errorf("protocol version mismatch: server offered %q", result.ProtocolVersion)}
	}

	t.mu.Lock()
	t.stdio = c
	t.mu.Unlock()
	return nil
}

func (t *Transport) initHTTP(ctx context.Context) error {
	t.httpClient = &http.Client{Timeout: t.cfg.CallTimeout}

	resp, err := t.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "kernelforge", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return &HandshakeError{Cause: err}
	}
	if resp.Error != nil {
		return &HandshakeError{Cause: fmt.Errorf("%s", resp.Error.Message)}
	}
	if result, ok := resp.Result.(map[string]any); ok {
		if offered, _ := result["protocolVersion"].(string); offered != "" && offered != protocolVersion {
			return &HandshakeError{Cause: fmt.Errorf("protocol version mismatch: server offered %q", offered)}
		}
	}
	return nil
}

// ListTools fetches the current tool catalogue, returning each as a
// registry-ready tool.Tool backed by this Transport.
func (t *Transport) ListTools(ctx context.Context) ([]tool.Tool, error) {
	if t.usesStdio() {
		return t.listToolsStdio(ctx)
	}
	return t.listToolsHTTP(ctx)
}

func (t *Transport) listToolsStdio(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	c := t.stdio
	t.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("mcptoolset: not connected")
	}

	resp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcptoolset: list_tools: %w", err)
	}

	tools := make([]tool.Tool, 0, len(resp.Tools))
	for _, mt := range resp.Tools {
		tools = append(tools, &remoteTool{
			transport: t,
			name:      mt.Name,
			desc:      mt.Description,
			schema:    convertSchema(mt.InputSchema),
		})
	}
	return tools, nil
}

func (t *Transport) listToolsHTTP(ctx context.Context) ([]tool.Tool, error) {
	resp, err := t.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcptoolset: list_tools: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcptoolset: list_tools: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mcptoolset: unexpected tools/list result shape")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("mcptoolset: missing tools in tools/list result")
	}

	tools := make([]tool.Tool, 0, len(rawTools))
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)
		tools = append(tools, &remoteTool{transport: t, name: name, desc: desc, schema: schema})
	}
	return tools, nil
}

// CallTool invokes a remote tool and normalises the response into a
// tool.Result, blocking until a terminal response or CallTimeout elapses.
func (t *Transport) CallTool(ctx context.Context, name string, args map[string]any) (*tool.Result, error) {
	if t.State() != StateReady {
		return nil, fmt.Errorf("mcptoolset: transport %q is not ready", t.cfg.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	if t.usesStdio() {
		return t.callStdio(callCtx, name, args)
	}
	return t.callHTTP(callCtx, name, args)
}

func (t *Transport) callStdio(ctx context.Context, name string, args map[string]any) (*tool.Result, error) {
	t.mu.Lock()
	c := t.stdio
	t.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("mcptoolset: not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		t.setState(StateFailing)
		return nil, fmt.Errorf("mcptoolset: call_tool: %w", err)
	}
	return convertCallResult(resp), nil
}

func (t *Transport) callHTTP(ctx context.Context, name string, args map[string]any) (*tool.Result, error) {
	resp, err := t.rpc(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		t.setState(StateFailing)
		return nil, fmt.Errorf("mcptoolset: call_tool: %w", err)
	}
	if resp.Error != nil {
		return &tool.Result{Error: resp.Error.Message}, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return &tool.Result{Content: resp.Result}, nil
	}
	return extractHTTPResult(resultMap), nil
}

// Close idempotently closes the transport, cancelling any in-flight calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return nil
	}
	t.state = StateClosed
	if t.stdio != nil {
		err := t.stdio.Close()
		t.stdio = nil
		return err
	}
	t.httpClient = nil
	return nil
}

// HandshakeError reports an initialize() failure (protocol mismatch or
// transport-level rejection).
type HandshakeError struct {
	Cause error
}

func (e *HandshakeError) Error() string { return fmt.Sprintf("mcp handshake failed: %v", e.Cause) }
func (e *HandshakeError) Unwrap() error { return e.Cause }

// --- streamable-HTTP/SSE JSON-RPC plumbing ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Transport) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	var out *rpcResponse
	err := t.retrier.Do(ctx, func(ctx context.Context) error {
		resp, err := t.doRPC(ctx, method, params)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (t *Transport) doRPC(ctx context.Context, method string, params any) (*rpcResponse, error) {
	id := atomic.AddInt64(&t.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("Mcp-Session-Id"); newSessionID != "" {
		t.mu.Lock()
		t.sessionID = newSessionID
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("http status %d: %s", httpResp.StatusCode, string(respBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSE(httpResp.Body)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &parsed, nil
}

// readSSE reads the first complete data: line off an SSE stream and parses
// it as one JSON-RPC message, per the streamable-HTTP transport's contract.
func readSSE(body io.ReadCloser) (*rpcResponse, error) {
	defer body.Close()
	reader := bufio.NewReader(body)
	var data strings.Builder

	for {
		line, err := reader.ReadBytes('\n')
		text := strings.TrimSpace(string(line))

		if strings.HasPrefix(text, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(text, "data:")))
		} else if text == "" && data.Len() > 0 {
			var resp rpcResponse
			if parseErr := json.Unmarshal([]byte(data.String()), &resp); parseErr == nil {
				return &resp, nil
			}
			data.Reset()
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			slog.Debug("mcptoolset: sse read error", "error", err)
			break
		}
	}

	if data.Len() > 0 {
		var resp rpcResponse
		if parseErr := json.Unmarshal([]byte(data.String()), &resp); parseErr == nil {
			return &resp, nil
		}
	}
	return nil, fmt.Errorf("sse stream ended without a complete message")
}

func extractHTTPResult(resultMap map[string]any) *tool.Result {
	if isError, _ := resultMap["isError"].(bool); isError {
		return &tool.Result{Error: firstText(resultMap)}
	}

	content, _ := resultMap["content"].([]any)
	var texts []string
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok || cm["type"] != "text" {
			continue
		}
		if text, ok := cm["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	switch len(texts) {
	case 0:
		return &tool.Result{Content: resultMap}
	case 1:
		return &tool.Result{Content: texts[0]}
	default:
		return &tool.Result{Content: texts}
	}
}

func firstText(resultMap map[string]any) string {
	content, _ := resultMap["content"].([]any)
	for _, c := range content {
		if cm, ok := c.(map[string]any); ok {
			if text, ok := cm["text"].(string); ok {
				return text
			}
		}
	}
	return "unknown error"
}

func convertCallResult(resp *mcp.CallToolResult) *tool.Result {
	if resp.IsError {
		for _, c := range resp.Content {
			if tc, ok := c.(mcp.TextContent); ok {
				return &tool.Result{Error: tc.Text}
			}
		}
		return &tool.Result{Error: "unknown error"}
	}

	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch len(texts) {
	case 0:
		return &tool.Result{}
	case 1:
		return &tool.Result{Content: texts[0]}
	default:
		return &tool.Result{Content: texts}
	}
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// remoteTool adapts one MCP-hosted tool to tool.CallableTool, dispatching
// through the owning Transport.
type remoteTool struct {
	transport *Transport
	name      string
	desc      string
	schema    map[string]any
}

func (r *remoteTool) Name() string           { return r.name }
func (r *remoteTool) Description() string    { return r.desc }
func (r *remoteTool) Mutates() bool          { return true }
func (r *remoteTool) Schema() map[string]any { return r.schema }

func (r *remoteTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return r.transport.CallTool(ctx, r.name, args)
}

var _ tool.CallableTool = (*remoteTool)(nil)
