// Package mcpclient implements the §4.B Tool Client: one handle per live
// connection to a remote MCP tool server, with lazy reconnect and the
// call/list/disconnect operations the Session Registry and Tool Proxy
// Endpoint depend on.
//
// The transport is a streamable HTTP JSON-RPC conversation, grounded on the
// teacher's runtime/mcp.SSECaller shape (request/response framing, endpoint
// reuse) and on the original Python MCPClient's connect/_ensure_connected
// contract: idempotent, no-op when healthy, reconnect using the saved url
// and headers otherwise.
package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	codeerrors "github.com/codemode/daemon/errors"
	"github.com/codemode/daemon/telemetry"
)

// DefaultCallTimeout is the default deadline for a single tool call
// (spec §5: "HTTP tool calls default to 60 seconds").
const DefaultCallTimeout = 60 * time.Second

// ToolSpec describes one tool as advertised by list_tools.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CallResult is the tool server's content convention: an ordered sequence of
// typed items plus an isError flag. Each item is kept as a loosely typed map
// so unrecognized shapes ("other types") pass through opaquely.
type CallResult struct {
	Content []map[string]any `json:"content"`
	IsError bool             `json:"isError"`
}

// Client represents one connection to a remote MCP tool server.
//
// Client is safe for concurrent use: list_tool_specs and call_tool may race
// with each other, and a single mutex guards the lazy-reconnect state
// exactly as the Python _ensure_connected contract requires (idempotent,
// no-op when healthy).
type Client struct {
	logger telemetry.Logger
	http   *http.Client

	mu        sync.Mutex
	url       string
	headers   map[string]string
	connected bool

	nextID atomic.Int64
}

// New constructs a disconnected Client. Call Connect before ListToolSpecs or
// CallTool, or rely on their lazy reconnect using a previously saved URL.
func New(logger telemetry.Logger) *Client {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		logger: logger,
		http:   &http.Client{Timeout: DefaultCallTimeout},
	}
}

// Connect establishes (or re-establishes) the connection to url with the
// given headers, performing the MCP initialize handshake.
func (c *Client) Connect(ctx context.Context, url string, headers map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx, url, headers)
}

func (c *Client) connectLocked(ctx context.Context, url string, headers map[string]string) error {
	c.url = url
	c.headers = headers

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.rpcLocked(initCtx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "codemode-daemon", "version": "1"},
	})
	if err != nil {
		c.connected = false
		return codeerrors.Wrap(codeerrors.KindUpstream, "mcp initialize failed", err)
	}
	c.connected = true
	return nil
}

// ensureConnected is the _ensure_connected contract: idempotent, a no-op
// when healthy, otherwise reconnects using the saved url/headers. Fails with
// NotConnected only when Connect was never called: Connect saves the url
// before its handshake, so after a failed Connect the saved url is retried
// here instead.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.url == "" {
		return codeerrors.New(codeerrors.KindNotConnected, "mcp client is not connected")
	}
	c.logger.Debug(ctx, "mcp client reconnecting", "url", c.url)
	return c.connectLocked(ctx, c.url, c.headers)
}

// ListToolSpecs returns the tool catalog advertised by the server.
func (c *Client) ListToolSpecs(ctx context.Context) ([]ToolSpec, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	raw, err := c.rpcLocked(ctx, "tools/list", map[string]any{})
	c.mu.Unlock()
	if err != nil {
		c.markDisconnected()
		return nil, codeerrors.Wrap(codeerrors.KindUpstream, "list tools failed", err)
	}
	var listed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindProtocol, "decode tools/list result", err)
	}
	specs := make([]ToolSpec, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		specs = append(specs, ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return specs, nil
}

// CallTool invokes name with the given keyword arguments and returns the
// server's content items. If the server sets isError, CallTool returns an
// error built by joining the text items with "; ", per spec §4.B.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) ([]map[string]any, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	raw, err := c.rpcLocked(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	c.mu.Unlock()
	if err != nil {
		c.markDisconnected()
		return nil, codeerrors.Wrap(codeerrors.KindUpstream, fmt.Sprintf("call tool %q failed", name), err)
	}

	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindProtocol, "decode tools/call result", err)
	}
	if result.IsError {
		return nil, codeerrors.New(codeerrors.KindTool, joinErrorText(result.Content))
	}
	return result.Content, nil
}

func joinErrorText(content []map[string]any) string {
	var texts []string
	for _, item := range content {
		if item["type"] == "text" {
			if text, ok := item["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	if len(texts) == 0 {
		return "mcp tool reported an error"
	}
	return strings.Join(texts, "; ")
}

// Disconnect releases the underlying connection. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.http.CloseIdleConnections()
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcLocked issues one JSON-RPC request over the streamable HTTP transport.
// Callers must hold c.mu (it does not touch c.connected itself).
func (c *Client) rpcLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
