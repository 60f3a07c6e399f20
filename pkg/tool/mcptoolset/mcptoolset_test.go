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

package mcptoolset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orkestra-project/kernelforge/pkg/retry"
)

func TestNew_RequiresURLOrCommand(t *testing.T) {
	_, err := New(Config{Name: "broken"})
	if err == nil {
		t.Fatalf("expected error when neither url nor command is set")
	}
}

func TestTransport_InitialStateIsConnecting(t *testing.T) {
	tr, err := New(Config{Name: "t", URL: "http://example.invalid"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.State() != StateConnecting {
		t.Fatalf("expected initial state connecting, got %s", tr.State())
	}
}

// mockRPCServer serves initialize/tools/list/tools/call over streamable-HTTP
// JSON, echoing a session id as the real MCP contract requires.
func mockRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Mcp-Session-Id", "sess-123")
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "initialize":
			json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"ok": true}})
		case "tools/list":
			json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"tools": []any{
					map[string]any{"name": "echo", "description": "echoes input", "inputSchema": map[string]any{"type": "object"}},
				},
			}})
		case "tools/call":
			json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "pong"}},
			}})
		}
	}))
}

func TestTransport_HTTPHandshakeListAndCallRoundTrip(t *testing.T) {
	srv := mockRPCServer(t)
	defer srv.Close()

	tr, err := New(Config{Name: "remote", URL: srv.URL, Transport: "streamable-http", CallTimeout: 5 * time.Second, RetryConfig: retry.Config{MaxRetries: 0}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tr.State() != StateReady {
		t.Fatalf("expected state ready after successful initialize, got %s", tr.State())
	}

	tools, err := tr.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name() != "echo" {
		t.Fatalf("expected one echo tool, got %+v", tools)
	}

	result, err := tr.CallTool(context.Background(), "echo", map[string]any{"msg": "ping"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Content != "pong" {
		t.Fatalf("expected content 'pong', got %v", result.Content)
	}
}

func TestTransport_CallToolFailsWhenNotReady(t *testing.T) {
	tr, err := New(Config{Name: "remote", URL: "http://example.invalid"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = tr.CallTool(context.Background(), "echo", nil)
	if err == nil {
		t.Fatalf("expected error calling a tool before the transport is ready")
	}
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	tr, err := New(Config{Name: "remote", URL: "http://example.invalid"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if tr.State() != StateClosed {
		t.Fatalf("expected state closed, got %s", tr.State())
	}
}

func TestTransport_HandshakeErrorOnInitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr, err := New(Config{Name: "remote", URL: srv.URL, RetryConfig: retry.Config{MaxRetries: 0}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = tr.Initialize(context.Background())
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	var handshakeErr *HandshakeError
	if !asHandshakeError(err, &handshakeErr) {
		t.Fatalf("expected a *HandshakeError, got %T: %v", err, err)
	}
	if tr.State() != StateFailing {
		t.Fatalf("expected state failing after handshake error, got %s", tr.State())
	}
}

func asHandshakeError(err error, target **HandshakeError) bool {
	if he, ok := err.(*HandshakeError); ok {
		*target = he
		return true
	}
	return false
}
