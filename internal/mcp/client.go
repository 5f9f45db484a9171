// Package mcp implements a client for remote Model Context Protocol servers.
// It speaks streamable HTTP and falls back to parsing SSE-framed responses
// when the server answers with an event stream.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToolDescriptor is one tool advertised by an MCP server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// transientErr matches error messages worth one transparent reconnect.
var transientErr = regexp.MustCompile(`(?i)(connection reset|connection refused|broken pipe|\bEOF\b|socket hang ?up|use of closed network connection)`)

// Client is an MCP client over streamable HTTP.
type Client struct {
	config ClientConfig
	http   *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	sessionID   string
	initialized bool
}

// NewClient creates a Client. Connect is lazy; the first call initializes.
func NewClient(config ClientConfig, logger *slog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "mcp")
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Initialize performs the MCP handshake. Idempotent.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	params, _ := json.Marshal(map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]string{"name": "execplane", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	_, sessionID, err := c.post(ctx, &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "initialize",
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.initialized = true
	c.mu.Unlock()

	c.notify(ctx, "notifications/initialized")
	return nil
}

// ListTools returns the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := c.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return parsed.Tools, nil
}

// CallTool invokes a named tool with arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	return c.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
}

// Call sends a request, initializing first if needed, and retries once after
// re-initializing when the failure looks like a dropped connection.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	result, err := c.call(ctx, method, params)
	if err != nil && transientErr.MatchString(err.Error()) {
		c.logger.Warn("transient mcp error, reconnecting", "method", method, "error", err)
		c.mu.Lock()
		c.initialized = false
		c.sessionID = ""
		c.mu.Unlock()
		if initErr := c.Initialize(ctx); initErr != nil {
			return nil, initErr
		}
		result, err = c.call(ctx, method, params)
	}
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}
	result, _, err := c.post(ctx, &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  raw,
	})
	return result, err
}

func (c *Client) notify(ctx context.Context, method string) {
	body, _ := json.Marshal(map[string]string{"jsonrpc": "2.0", "method": method})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// post sends one request and decodes the response, whether the server answers
// with plain JSON or an SSE-framed stream. Returns the result and any session
// id the server assigned.
func (c *Client) post(ctx context.Context, rpcReq *JSONRPCRequest) (json.RawMessage, string, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	sessionID := resp.Header.Get("Mcp-Session-Id")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, sessionID, fmt.Errorf("HTTP %d from %s", resp.StatusCode, c.config.URL)
	}

	var rpcResp *JSONRPCResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpcResp, err = readSSEResponse(resp)
	} else {
		rpcResp = &JSONRPCResponse{}
		err = json.NewDecoder(resp.Body).Decode(rpcResp)
	}
	if err != nil {
		return nil, sessionID, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, sessionID, fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, sessionID, nil
}

// readSSEResponse scans an event stream for the first data frame carrying a
// JSON-RPC response.
func readSSEResponse(resp *http.Response) (*JSONRPCResponse, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		var rpcResp JSONRPCResponse
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue
		}
		if rpcResp.Result != nil || rpcResp.Error != nil {
			return &rpcResp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no response frame in event stream")
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.mu.Unlock()
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
}
