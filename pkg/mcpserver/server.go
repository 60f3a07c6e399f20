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

// Package mcpserver implements the MCP Server Boundary (C11): it exposes the
// kernel itself as an MCP endpoint so external callers can drive its tool
// registry the same way the kernel's own MCP client fleet (pkg/mcpfleet)
// drives remote agents. initialize/tools/list/tools/call ride on
// mark3labs/mcp-go/server, grounded on the only server-side usage of that
// library found in the retrieval pack
// (other_examples: theRebelliousNerd-browserNerd's internal/mcp/server.go).
// tools/get has no mcp-go equivalent, so it is served by a small hand-rolled
// JSON-RPC handler alongside the SSE server, the same way pkg/tool/mcptoolset
// hand-rolls the streamable-HTTP envelope where the library falls short.
package mcpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/orkestra-project/kernelforge/pkg/registry"
	"github.com/orkestra-project/kernelforge/pkg/tool"
	"github.com/orkestra-project/kernelforge/pkg/toolexec"
)

// Config configures the boundary.
type Config struct {
	Name    string
	Version string

	// BaseURL is advertised to SSE clients for constructing message URLs.
	BaseURL string

	// AuthToken, if non-empty, is compared in constant time against the
	// bearer token on every inbound request.
	AuthToken string

	// ApprovalMode governs how tools/call invocations are gated; external
	// callers get the same policy surface as an in-process turn.
	ApprovalMode tool.ApprovalMode
}

// Server exposes the kernel's tool registry and executor over MCP.
type Server struct {
	cfg Config

	registry *registry.ToolRegistry
	exec     *toolexec.Manager

	mcpServer *mcpserver.MCPServer
	sse       *mcpserver.SSEServer
}

// New builds a Server wrapping reg and exec. Call Sync once the registry has
// its initial tool set, and again after any domain.Manager swap so the MCP
// surface tracks the live registry.
func New(cfg Config, reg *registry.ToolRegistry, exec *toolexec.Manager) *Server {
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = tool.ApprovalModeYOLO
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		exec:      exec,
		mcpServer: mcpSrv,
	}
	s.sse = mcpserver.NewSSEServer(mcpSrv, mcpserver.WithBaseURL(cfg.BaseURL))
	return s
}

// Sync replaces the underlying mcp-go server's tool set with every tool
// currently in the registry, so tools a domain swap removed also drop out
// of tools/list.
func (s *Server) Sync() {
	var tools []mcpserver.ServerTool
	for _, t := range s.registry.List() {
		def := tool.ToDefinition(t)
		schema, err := json.Marshal(def.Parameters)
		if err != nil || def.Parameters == nil {
			schema = []byte(`{"type":"object"}`)
		}
		mcpTool := mcp.NewToolWithRawSchema(def.Name, def.Description, schema)
		tools = append(tools, mcpserver.ServerTool{Tool: mcpTool, Handler: s.callHandler(def.Name)})
	}
	s.mcpServer.SetTools(tools...)
}

// callHandler builds the mcp-go ToolHandlerFunc for one tool name. Unlike
// the turn engine's ExecuteToolCall (blocking, needed for call-order
// guarantees within one assistant message), the boundary drives the tool
// execution manager's asynchronous Submit entry point and polls the
// execution to completion — an external tools/call caller gets its own
// ToolExecution lifecycle, independent of any in-process turn's
// bookkeeping.
func (s *Server) callHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		def, ok := s.registry.Describe(name)
		if !ok {
			return errorResult(fmt.Sprintf("unknown tool %q", name)), nil
		}
		def.ApprovalMode = s.cfg.ApprovalMode

		executionID := s.exec.Submit(def, args)

		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return errorResult(ctx.Err().Error()), nil
			case <-ticker.C:
				snap, ok := s.exec.Execution(executionID)
				if !ok || snap.State != toolexec.StateCompleted {
					continue
				}
				if snap.Err != nil {
					return errorResult(snap.Err.Error()), nil
				}
				content := ""
				if snap.Result != nil {
					if text, ok := snap.Result.Content.(string); ok {
						content = text
					} else if b, err := json.Marshal(snap.Result.Content); err == nil {
						content = string(b)
					}
				}
				return &mcp.CallToolResult{
					Content: []mcp.Content{mcp.NewTextContent(content)},
					IsError: false,
				}, nil
			}
		}
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}

// Handler returns the HTTP handler exposing /sse, /message, and the
// hand-rolled /rpc endpoint that answers tools/get (mcp-go's server has no
// built-in single-tool lookup). Every request is gated by authMiddleware
// when cfg.AuthToken is set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.HandleFunc("/rpc", s.handleRPC)
	return s.authMiddleware(mux)
}

// authMiddleware enforces the optional bearer-token check in constant time.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jsonRPCRequest and jsonRPCResponse mirror the envelope shape C2's
// streamable-HTTP transport already speaks (pkg/tool/mcptoolset), kept
// symmetric since the kernel is both an MCP client and an MCP server.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleRPC answers tools/get directly against the registry; every other
// method is rejected since initialize/tools/list/tools/call are served by
// the SSE handlers mounted alongside this one.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "tools/get":
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &jsonRPCError{Code: -32602, Message: "invalid params"}
			break
		}
		def, ok := s.registry.Describe(params.Name)
		if !ok {
			resp.Error = &jsonRPCError{Code: -32001, Message: fmt.Sprintf("unknown tool %q", params.Name)}
			break
		}
		resp.Result = def
	default:
		resp.Error = &jsonRPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Serve runs the HTTP boundary on addr until ctx is cancelled, then shuts
// down gracefully, mirroring the grounding example's StartSSE.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
