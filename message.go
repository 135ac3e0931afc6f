package modelctx

import (
	"encoding/json"
	"fmt"
)

// RequestID is the correlation key linking a request to its eventual response. The
// wire format permits either a string or an integer; RequestID normalizes both to a
// string so the value stays comparable and usable as a map key. It marshals back as
// a JSON string.
type RequestID string

// Message represents a single JSON-RPC 2.0 frame. Exactly one frame is carried per
// transport message; batched framing is not supported. Which fields are populated
// determines the message kind:
//   - Request: JSONRPC, ID, Method, and optionally Params
//   - Response: JSONRPC, ID, and either Result or Error
//   - Notification: JSONRPC and Method (no ID)
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs within a session.
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response payload as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request expecting a response.
func (m Message) IsRequest() bool { return m.Method != "" && m.ID != "" }

// IsNotification reports whether the message is a fire-and-forget notification.
func (m Message) IsNotification() bool { return m.Method != "" && m.ID == "" }

// IsResponse reports whether the message is a response to an earlier request.
func (m Message) IsResponse() bool { return m.Method == "" }

// Error represents an error object in the JSON-RPC 2.0 protocol. A handler may
// return an *Error to produce a structured error response; any other error is
// reported to the caller as an internal error.
type Error struct {
	// Code indicates the error type that occurred. Standard JSON-RPC codes are
	// defined below; custom codes must stay outside the reserved range.
	Code int `json:"code"`

	// Message provides a short, single-sentence description of the error.
	Message string `json:"message"`

	// Data carries additional unstructured information and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", e.Code, e.Message, e.Data)
}

// Errorf builds an *Error with the given code and a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion identifies the negotiated revision of the control protocol.
	ProtocolVersion = "2025-03-26"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Reserved methods the runtime recognizes structurally. Payload semantics beyond
// the handshake belong to the application layer.
const (
	methodInitialize = "initialize"
	methodPing       = "ping"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
	methodNotificationsProgress    = "notifications/progress"
)

// Method names for the bundled capability routers.
const (
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading a specific resource.
	MethodResourcesRead = "resources/read"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by name.
	MethodPromptsGet = "prompts/get"

	// MethodRootsList is the method name for retrieving the client's root list.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage is the method name for requesting a sampled message
	// from the client.
	MethodSamplingCreateMessage = "sampling/createMessage"

	// MethodNotificationsToolsListChanged notifies clients the tool list changed.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"
	// MethodNotificationsResourcesListChanged notifies clients the resource list changed.
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	// MethodNotificationsPromptsListChanged notifies clients the prompt list changed.
	MethodNotificationsPromptsListChanged = "notifications/prompts/list_changed"
	// MethodNotificationsRootsListChanged notifies the server the root list changed.
	MethodNotificationsRootsListChanged = "notifications/roots/list_changed"
)

// CancelledParams is the payload of a notifications/cancelled notification.
type CancelledParams struct {
	// RequestID names the request being cancelled.
	RequestID RequestID `json:"requestId"`
	// Reason is an optional human-readable explanation.
	Reason string `json:"reason,omitempty"`
}

// ProgressParams reports the progress of a long-running operation.
type ProgressParams struct {
	// ProgressToken correlates this update to the request that carried the token.
	ProgressToken RequestID `json:"progressToken"`
	// Progress is the current progress value.
	Progress float64 `json:"progress"`
	// Total is the expected final value when known. When non-zero, completion
	// percentage can be calculated as (Progress/Total)*100.
	Total float64 `json:"total,omitempty"`
}

// ParamsMeta carries optional request metadata such as the progress token.
type ParamsMeta struct {
	// ProgressToken identifies an operation for progress tracking. When provided,
	// the remote side may emit notifications/progress updates carrying it.
	ProgressToken RequestID `json:"progressToken,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler, accepting both string and numeric
// wire representations of an id.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*r = RequestID(v)
	case float64:
		*r = RequestID(fmt.Sprintf("%d", int64(v)))
	case int:
		*r = RequestID(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, always encoding the id as a string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}
