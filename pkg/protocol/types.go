package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// Method names used between the hub, its workers and its own client.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodCancelled        = "notifications/cancelled"
	MethodToolsListChanged = "notifications/tools/list_changed"
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// DefaultProtocolVersion is the MCP revision the hub announces to its workers.
const DefaultProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

// Request is a JSON-RPC 2.0 request. A Request without ID is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool {
	return IsNullID(r.ID)
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s (code %d, data %s)", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// IntID renders an integer request id.
func IntID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// SameID reports whether two raw ids denote the same value.
func SameID(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

// IsNullID reports whether id is absent or null.
func IsNullID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Implementation names a client or server in the initialize exchange.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent by the hub to each worker, and by a client to the hub.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// InitializeResult is the answer to initialize.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
}

// ListToolsParams are the optional params of tools/list.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result of tools/call. A result decoded from a worker
// keeps the whole object in Raw, so fields the hub does not model, such as
// structuredContent or _meta, reach the client unchanged.
type CallToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

type callToolResultFields struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

// UnmarshalJSON decodes content and isError and keeps the raw object.
func (r *CallToolResult) UnmarshalJSON(data []byte) error {
	if IsNullID(data) {
		return nil
	}
	var f callToolResultFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	r.Content = f.Content
	r.IsError = f.IsError
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits Raw when set and the modeled fields otherwise.
func (r CallToolResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	content := r.Content
	if len(content) == 0 {
		content = json.RawMessage("[]")
	}
	return json.Marshal(callToolResultFields{Content: content, IsError: r.IsError})
}

// CancelledParams are the params of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// Tool is one capability as a worker reported it. Only the name is
// interpreted; the object is re-emitted exactly as received.
type Tool struct {
	Name string
	Raw  json.RawMessage
}

// UnmarshalJSON keeps the raw object and extracts the name.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var head struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Name == "" {
		return fmt.Errorf("tool entry has no name")
	}
	t.Name = head.Name
	t.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original object.
func (t Tool) MarshalJSON() ([]byte, error) {
	if len(t.Raw) == 0 {
		return json.Marshal(map[string]any{"name": t.Name, "inputSchema": map[string]any{"type": "object"}})
	}
	return t.Raw, nil
}
