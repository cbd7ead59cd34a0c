// Package shared holds the JSON-RPC wire types used on the streamable
// HTTP transport.
package shared

import (
	"encoding/json"
)

// JSONRPCVersion is the version of JSON-RPC to use
const JSONRPCVersion = "2.0"

// ErrorCode represents a JSON-RPC error code
type ErrorCode int

// Standard JSON-RPC error codes
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
	ServerError    ErrorCode = -32000
)

// JSONRPCRequest represents a JSON-RPC request. The ID is kept raw so the
// client's choice of string or number survives the round trip; a nil ID
// marks the message as a notification.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification represents a server-initiated JSON-RPC notification
type JSONRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCError represents the error member of a JSON-RPC response
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewNotification builds a notification for the given method and params.
func NewNotification(method string, params interface{}) JSONRPCNotification {
	return JSONRPCNotification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// NewResultResponse builds a success response preserving the request ID.
func NewResultResponse(id json.RawMessage, result interface{}) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse builds an error response preserving the request ID.
func NewErrorResponse(id json.RawMessage, code ErrorCode, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    int(code),
			Message: message,
		},
	}
}
