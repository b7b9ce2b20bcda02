// Package transport issues JSON-RPC requests to one MCPP server endpoint.
//
// Requests go out as HTTP POSTs. Responses may come back as a raw JSON object
// or as a server-sent-event stream whose data: lines carry the JSON-RPC
// response; both shapes are unwrapped transparently. Network and HTTP
// failures are retried once per call; JSON-RPC error responses are returned
// as *protocol.RPCError and never retried here.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zhubert/veil-core/config"
	"github.com/zhubert/veil-core/logger"
	"github.com/zhubert/veil-core/protocol"
)

const (
	// DefaultRequestTimeout bounds one HTTP round trip when the server
	// config carries no override.
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 << 20

	acceptHeader = "application/json, text/event-stream"
)

// Client talks JSON-RPC to a single server endpoint.
type Client struct {
	serverKey string
	url       string
	headers   map[string]string
	http      *http.Client
	nextID    atomic.Int64
	log       *slog.Logger
}

// NewClient creates a client for one configured server.
func NewClient(server config.Server) *Client {
	timeout := DefaultRequestTimeout
	if server.Timeout != nil && server.Timeout.Duration > 0 {
		timeout = server.Timeout.Duration
	}
	return &Client{
		serverKey: server.Key,
		url:       server.URL,
		headers:   server.Headers,
		http:      &http.Client{Timeout: timeout},
		log:       logger.WithComponent("transport").With("server", server.Key),
	}
}

// ServerKey returns the key of the server this client addresses.
func (c *Client) ServerKey() string {
	return c.serverKey
}

// Call issues one JSON-RPC request and decodes the result into result (which
// may be nil to discard it). A failed HTTP exchange is retried once; a
// JSON-RPC error response is returned as a *protocol.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.exchange(ctx, body)
	if err != nil {
		// One retry for transport-level failures, unless the caller is gone.
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", c.serverKey, method, err)
		}
		c.log.Debug("retrying request", "method", method, "error", err)
		resp, err = c.exchange(ctx, body)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.serverKey, method, err)
	}

	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%s %s: empty result", c.serverKey, method)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s %s: decode result: %w", c.serverKey, method, err)
	}
	return nil
}

// exchange performs one HTTP round trip and unwraps the JSON-RPC response.
func (c *Client) exchange(ctx context.Context, body []byte) (*protocol.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", acceptHeader)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d", httpResp.StatusCode)
	}

	return unwrapResponse(data)
}

// unwrapResponse parses a response body that is either a bare JSON object or
// an SSE frame whose data: line carries the JSON-RPC response.
func unwrapResponse(data []byte) (*protocol.Response, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	if trimmed[0] == '{' {
		var resp protocol.Response
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, fmt.Errorf("malformed json-rpc response: %w", err)
		}
		return &resp, nil
	}

	// Event-stream framing: take the first data: line that parses as a
	// JSON-RPC response.
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		return &resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event stream: %w", err)
	}
	return nil, fmt.Errorf("no json-rpc response in event stream")
}

// Typed method wrappers

// ListTools fetches the server's tool catalog, including sensitivity flags.
func (c *Client) ListTools(ctx context.Context) (*protocol.ToolsListResult, error) {
	var result protocol.ToolsListResult
	if err := c.Call(ctx, protocol.MethodToolsList, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes a tool. The tool call id must be unique within the session
// and is recorded in the ledger by the caller.
func (c *Client) CallTool(ctx context.Context, params protocol.ToolCallParams) (*protocol.ToolCallResult, error) {
	var result protocol.ToolCallResult
	if err := c.Call(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetReferences asks the server for a placeholder matching a keyword within
// an earlier tool call's result. Servers predating mcpp/get_references are
// retried with the legacy find_reference method name.
func (c *Client) GetReferences(ctx context.Context, params protocol.GetReferencesParams) (*protocol.GetReferencesResult, error) {
	var result protocol.GetReferencesResult
	err := c.Call(ctx, protocol.MethodGetReferences, params, &result)
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeMethodNotFound {
		c.log.Debug("falling back to legacy find_reference", "server", c.serverKey)
		err = c.Call(ctx, protocol.LegacyMethodFindReference, params, &result)
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetData fetches the placeholder-masked result of an earlier tool call.
func (c *Client) GetData(ctx context.Context, params protocol.GetDataParams) (*protocol.FetchedData, error) {
	var result protocol.FetchedData
	if err := c.Call(ctx, protocol.MethodGetData, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolvePlaceholders resolves a batch of placeholders into their sensitive
// values. A -32007 error (consent required) comes back as *protocol.RPCError
// for the access layer to classify.
func (c *Client) ResolvePlaceholders(ctx context.Context, params protocol.ResolvePlaceholdersParams) (*protocol.ResolvePlaceholdersResult, error) {
	var result protocol.ResolvePlaceholdersResult
	if err := c.Call(ctx, protocol.MethodResolvePlaceholders, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProvideConsent reports the user's consent decision back to the server.
func (c *Client) ProvideConsent(ctx context.Context, params protocol.ProvideConsentParams) (*protocol.ProvideConsentResult, error) {
	var result protocol.ProvideConsentResult
	if err := c.Call(ctx, protocol.MethodProvideConsent, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
