package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
)

// defaultMCPCallTimeout bounds a single remote tool call.
const defaultMCPCallTimeout = 30 * time.Second

// MCPBridge connects to MCP servers and exposes their tools as domain.Tool
// values, so remote tools go through the same registry gate as built-in ones.
type MCPBridge struct {
	servers []mcpServerConn
	tools   []domain.Tool
	timeout time.Duration
	logger  *slog.Logger
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// mcpClient is the subset of the MCP client the bridge uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to every configured server and discovers its tools.
// A server that fails discovery is skipped; the bridge fails only when all do.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, callTimeout time.Duration, logger *slog.Logger) (*MCPBridge, error) {
	b := newBridge(callTimeout, logger)

	for _, srv := range servers {
		conn, err := b.connect(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.servers = append(b.servers, *conn)
	}

	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func newBridge(callTimeout time.Duration, logger *slog.Logger) *MCPBridge {
	if callTimeout <= 0 {
		callTimeout = defaultMCPCallTimeout
	}
	return &MCPBridge{timeout: callTimeout, logger: orDiscard(logger)}
}

func (b *MCPBridge) connect(ctx context.Context, srv config.MCPServer) (*mcpServerConn, error) {
	var c mcpClient

	switch srv.Transport {
	case "stdio":
		stdio, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdio
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentd", Version: "1.0.0"}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}

	b.logger.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
	return &mcpServerConn{name: srv.Name, client: c}, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []error
	ok := 0

	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp server discovery failed, skipping", "server", srv.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.name, err))
			continue
		}
		for _, t := range result.Tools {
			rt := &remoteTool{server: srv.name, client: srv.client, def: t, timeout: b.timeout, logger: b.logger}
			b.tools = append(b.tools, rt)
			b.logger.Debug("mcp tool discovered", "server", srv.name, "tool", rt.Name())
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}

	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %w", errors.Join(errs...))
	}
	return nil
}

// Tools returns the discovered remote tools.
func (b *MCPBridge) Tools() []domain.Tool {
	return b.tools
}

// Close shuts down every server connection.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// remoteTool is one MCP tool seen as a domain.Tool, named mcp_<server>_<tool>.
type remoteTool struct {
	server  string
	client  mcpClient
	def     mcp.Tool
	timeout time.Duration
	logger  *slog.Logger
}

func (t *remoteTool) Name() string {
	return "mcp_" + sanitizeName(t.server) + "_" + sanitizeName(t.def.Name)
}

func (t *remoteTool) Description() string {
	if t.def.Description != "" {
		return t.def.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", t.def.Name, t.server)
}

func (t *remoteTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if t.def.InputSchema.Properties != nil || t.def.InputSchema.Required != nil {
		if data, err := json.Marshal(t.def.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: params}
}

// Execute forwards the call. Transport failures are returned as errors so the
// registry reports them as handler failures; a remote IsError result is
// passed back as a HandlerFailure result with the server's text.
func (t *remoteTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrResult(domain.ToolErrInvalidArguments, "invalid arguments: %v", err), nil
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args

	t.logger.Debug("mcp tool call", "server", t.server, "tool", t.def.Name)

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp %s/%s: %w", t.server, t.def.Name, err)
	}

	content := mcpContentText(result)
	effects := []domain.SideEffect{{Kind: domain.SideEffectExternalCall, Target: "mcp://" + t.server + "/" + t.def.Name}}
	if result.IsError {
		res := ErrResult(domain.ToolErrHandlerFailure, "%s", content)
		res.SideEffects = effects
		return res, nil
	}
	return &domain.ToolResult{Success: true, Payload: content, SideEffects: effects}, nil
}

// mcpContentText flattens a call result to text. Non-text parts are rendered as JSON.
func mcpContentText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that aren't valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envSlice converts a map of env vars to KEY=VALUE pairs.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
