// Package protocol defines the JSON-RPC 2.0 envelope and the MCPP
// (Model Context Privacy Protocol) method surface spoken to data servers.
//
// MCPP extends the familiar tools/list + tools/call surface with methods for
// reference lookup and placeholder resolution, so that sensitive tool results
// stay on the server and only opaque placeholders travel to the language
// model. See the mcpp/* methods below.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the fixed jsonrpc field value on every message.
const JSONRPCVersion = "2.0"

// MCPP method names.
const (
	MethodToolsList           = "tools/list"
	MethodToolsCall           = "tools/call"
	MethodGetReferences       = "mcpp/get_references"
	MethodGetData             = "mcpp/get_data"
	MethodResolvePlaceholders = "mcpp/resolve_placeholders"
	MethodProvideConsent      = "mcpp/provide_consent"

	// LegacyMethodFindReference is accepted by older servers in place of
	// mcpp/get_references.
	LegacyMethodFindReference = "find_reference"
)

// JSON-RPC error codes. The -32000 range carries MCPP-specific conditions.
const (
	CodeInvalidParams           = -32602
	CodeMethodNotFound          = -32601
	CodeInternal                = -32603
	CodeCacheMiss               = -32001
	CodeReferenceNotFound       = -32002
	CodeResolutionFailed        = -32003
	CodeDataNotFound            = -32004
	CodeInsufficientPermissions = -32005
	CodeInvalidDataUsage        = -32006
	CodeConsentRequired         = -32007
	CodeConsentDenied           = -32008
	CodeConsentTimeout          = -32009
	CodeInvalidTarget           = -32010
)

// Request represents an outgoing JSON-RPC request
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents an incoming JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error. It implements the error interface so
// that server-side failures flow through ordinary Go error handling.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ConsentRequest is carried in the data field of a -32007 (consent required)
// error. The request_id correlates the eventual mcpp/provide_consent call.
type ConsentRequest struct {
	RequestID      string `json:"request_id"`
	Message        string `json:"message"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	AllowRemember  bool   `json:"allow_remember"`
}

// consentErrorData is the data payload shape of a -32007 error.
type consentErrorData struct {
	ConsentRequest *ConsentRequest `json:"consent_request"`
}

// ConsentRequestFromError extracts the consent request carried by a -32007
// error. Returns nil if the error is not consent-required or the payload is
// malformed — malformed payloads are never fatal here, callers classify the
// error as generic instead.
func ConsentRequestFromError(e *RPCError) *ConsentRequest {
	if e == nil || e.Code != CodeConsentRequired || len(e.Data) == 0 {
		return nil
	}
	var data consentErrorData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil
	}
	if data.ConsentRequest == nil || data.ConsentRequest.RequestID == "" {
		return nil
	}
	return data.ConsentRequest
}

// Tool listing

// ToolsListResult for tools/list response
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolDefinition represents a tool exposed by an MCPP server. IsSensitive
// marks tools whose results must never reach the model in the clear.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
	IsSensitive bool        `json:"isSensitive"`
}

// InputSchema represents the JSON schema for tool input
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property represents a property in the input schema
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Tool calls

// ToolCallParams represents parameters for tools/call. ToolCallID is assigned
// by the client and later keys placeholder routing.
type ToolCallParams struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	ToolCallID string         `json:"tool_call_id"`
}

// ToolCallResult represents the result of a tool call
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem represents content in a tool result
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reference lookup

// GetReferencesParams represents parameters for mcpp/get_references
type GetReferencesParams struct {
	ToolCallID string `json:"tool_call_id"`
	Keyword    string `json:"keyword"`
	ColumnName string `json:"column_name,omitempty"`
}

// GetReferencesResult carries the placeholder that stands in for the matched
// value, plus match context the caller may surface to the user.
type GetReferencesResult struct {
	Placeholder  string         `json:"placeholder"`
	MatchDetails map[string]any `json:"match_details,omitempty"`
}

// Data fetch

// GetDataParams represents parameters for mcpp/get_data
type GetDataParams struct {
	ToolCallID string `json:"tool_call_id"`
}

// FetchedData is the placeholder-masked result of an earlier tool call,
// shaped either as a table or as a flat key/value set.
type FetchedData struct {
	Type    string          `json:"type"` // "table" or "keyValue"
	Payload json.RawMessage `json:"payload"`
}

// TableData is the payload of a FetchedData with Type "table".
type TableData struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Table decodes the payload as a table. Returns an error for non-table data.
func (d *FetchedData) Table() (*TableData, error) {
	if d.Type != "table" {
		return nil, fmt.Errorf("fetched data is %q, not a table", d.Type)
	}
	var t TableData
	if err := json.Unmarshal(d.Payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// KeyValue decodes the payload as a key/value map. Returns an error for
// non-keyValue data.
func (d *FetchedData) KeyValue() (map[string]any, error) {
	if d.Type != "keyValue" {
		return nil, fmt.Errorf("fetched data is %q, not keyValue", d.Type)
	}
	var kv map[string]any
	if err := json.Unmarshal(d.Payload, &kv); err != nil {
		return nil, err
	}
	return kv, nil
}

// Placeholder resolution

// ResolvePlaceholdersParams represents parameters for mcpp/resolve_placeholders.
// Exactly one of Data or Text is set: Data carries a batch of placeholders
// keyed by a locally-unique batch key, Text asks the server to resolve inline.
type ResolvePlaceholdersParams struct {
	Data         map[string]string `json:"data,omitempty"`
	Text         string            `json:"text,omitempty"`
	UsageContext *UsageContext     `json:"usage_context,omitempty"`
	ToolName     string            `json:"tool_name,omitempty"`
}

// ResolutionStatus summarizes one resolution call.
type ResolutionStatus struct {
	Total       int      `json:"total"`
	Resolved    int      `json:"resolved"`
	Failed      []string `json:"failed"`
	SuccessRate float64  `json:"success_rate"`
}

// ResolvePlaceholdersResult carries resolved values keyed the same way the
// request keyed them.
type ResolvePlaceholdersResult struct {
	ResolvedData     map[string]string `json:"resolved_data"`
	ResolutionStatus *ResolutionStatus `json:"resolution_status,omitempty"`
}

// Consent

// ProvideConsentParams represents parameters for mcpp/provide_consent
type ProvideConsentParams struct {
	RequestID       string `json:"request_id"`
	Approved        bool   `json:"approved"`
	RememberChoice  bool   `json:"remember_choice,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// ProvideConsentResult acknowledges a recorded consent decision. CachedUntil
// is RFC 3339 when the server cached an affirmative remember-choice decision.
type ProvideConsentResult struct {
	ConsentRecorded bool   `json:"consent_recorded"`
	CachedUntil     string `json:"cached_until,omitempty"`
}

// Usage context

// DataUsage states what the requester will do with a resolved value.
type DataUsage string

const (
	DataUsageDisplay  DataUsage = "display"
	DataUsageProcess  DataUsage = "process"
	DataUsageStore    DataUsage = "store"
	DataUsageTransfer DataUsage = "transfer"
)

// TargetType states where a resolved value is headed.
type TargetType string

const (
	TargetClient  TargetType = "client"
	TargetServer  TargetType = "server"
	TargetServers TargetType = "servers"
	TargetLLM     TargetType = "llm"
	TargetAll     TargetType = "all"
)

// UsageContext is a structured statement of who wants a value, for what
// purpose, and at what usage level. Built per resolution attempt, never
// persisted.
type UsageContext struct {
	DataUsage DataUsage `json:"data_usage"`
	Requester Requester `json:"requester"`
	Target    Target    `json:"target"`
}

// Requester identifies the asking host and session.
type Requester struct {
	HostID    string `json:"host_id"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

// Target identifies the destination of the resolved value.
type Target struct {
	Type        TargetType     `json:"type"`
	Destination string         `json:"destination"`
	Purpose     string         `json:"purpose,omitempty"`
	LLMMetadata map[string]any `json:"llm_metadata,omitempty"`
}
