package provider

import "encoding/json"

// Remote methods understood by the financial data provider.
const (
	MethodLogin     = "auth/login"
	MethodVerify    = "auth/verify"
	MethodToolsCall = "tools/call"
)

// Headers carried on every provider request.
const (
	HeaderSessionID     = "Mcp-Session-Id"
	HeaderAuthorization = "Authorization"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type loginParams struct {
	PhoneNumber string `json:"phoneNumber"`
}

type loginResult struct {
	LoginURL string `json:"loginUrl"`
}

type verifyParams struct {
	PhoneNumber string `json:"phoneNumber"`
	Passcode    string `json:"passcode"`
}

type verifyResult struct {
	Token string `json:"token"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall is one data operation forwarded to the provider.
type ToolCall struct {
	// SessionID correlates the call with the login handshake.
	SessionID string

	// Credential is the bearer token issued by the provider on verification.
	Credential string

	// Method is the provider's tool name, e.g. "fetch_net_worth".
	Method string

	// Arguments are forwarded verbatim. Nil sends an empty object.
	Arguments json.RawMessage
}
