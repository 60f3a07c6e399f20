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

package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/toolexec"
)

type echoTool struct {
	name string
}

func (t *echoTool) Name() string           { return t.name }
func (t *echoTool) Description() string    { return "echoes its input" }
func (t *echoTool) Mutates() bool          { return false }
func (t *echoTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Call(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return &tool.Result{Content: "echoed"}, nil
}

func newTestServer(t *testing.T) (*Server, *registry.ToolRegistry) {
	t.Helper()
	reg := registry.NewToolRegistry()
	if err := reg.RegisterLocal(&echoTool{name: "echo"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	exec := toolexec.New(reg, nil, toolexec.Config{})
	srv := New(Config{Name: "kernelforge", Version: "test", BaseURL: "http://example.test"}, reg, exec)
	srv.Sync()
	return srv, reg
}

func TestHandler_RejectsMissingBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.AuthToken = "secret"

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/rpc")
	if err != nil {
		t.Fatalf("GET /rpc: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", resp.StatusCode)
	}
}

func TestHandler_AcceptsCorrectBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.AuthToken = "secret"

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/get", Params: json.RawMessage(`{"name":"echo"}`)})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a correct bearer token, got %d", resp.StatusCode)
	}
}

func TestHandleRPC_ToolsGetReturnsKnownDefinition(t *testing.T) {
	srv, _ := newTestServer(t)

	reqBody, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/get", Params: json.RawMessage(`{"name":"echo"}`)})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(reqBody))
	srv.handleRPC(w, r)

	var resp jsonRPCResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatalf("expected a tool definition in the result")
	}
}

func TestHandleRPC_ToolsGetReportsUnknownTool(t *testing.T) {
	srv, _ := newTestServer(t)

	reqBody, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/get", Params: json.RawMessage(`{"name":"missing"}`)})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(reqBody))
	srv.handleRPC(w, r)

	var resp jsonRPCResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected an error for an unknown tool name")
	}
}

func TestHandleRPC_RejectsUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t)

	reqBody, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/frobnicate"})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(reqBody))
	srv.handleRPC(w, r)

	var resp jsonRPCResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected an error for an unsupported method")
	}
}

func mcpCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestCallHandler_DispatchesThroughToolExec(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.callHandler("echo")

	result, err := handler(context.Background(), mcpCallToolRequest("echo", map[string]any{}))
	if err != nil {
		t.Fatalf("handler returned an error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected a successful result, got an error result")
	}
}

func TestCallHandler_ReportsUnknownToolAsAnErrorResult(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.callHandler("does-not-exist")

	result, err := handler(context.Background(), mcpCallToolRequest("does-not-exist", map[string]any{}))
	if err != nil {
		t.Fatalf("handler returned a Go error, expected a handled IsError result: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected IsError for a tool the registry does not know")
	}
}
