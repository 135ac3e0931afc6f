package modelctx

import "encoding/json"

// Info identifies a server or client implementation by name and version. It is
// exchanged during the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises the optional protocol features a server supports.
// A nil field means the feature is unavailable; clients must not issue requests
// for features the server did not advertise.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ClientCapabilities advertises the optional protocol features a client supports.
type ClientCapabilities struct {
	Roots       *RootsCapability       `json:"roots,omitempty"`
	Sampling    *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation *ElicitationCapability `json:"elicitation,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// ElicitationCapability represents elicitation-specific capabilities.
type ElicitationCapability struct{}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool describes a callable tool with its input schema. InputSchema defines the
// expected shape of the arguments passed to MethodToolsCall.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is an opaque pagination cursor from a previous call. Empty string
	// requests the first page.
	Cursor string `json:"cursor,omitempty"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult is a paginated list of tools. An empty NextCursor means the
// listing is exhausted.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs. It must satisfy
	// the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	Meta ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult is the outcome of a tool invocation. IsError marks a structured
// application-level failure, which is distinct from a JSON-RPC error response.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// Content types carried by tool results and prompt messages.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// Content represents one piece of message content.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText.
	Text string `json:"text,omitempty"`

	// For ContentTypeImage.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent builds a text content item.
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// Resource describes a readable resource with associated metadata.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents holds either text or binary resource data.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult is a paginated list of resources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for reading a specific resource.
type ReadResourceParams struct {
	URI  string     `json:"uri"`
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult is the result of a resource read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Prompt describes a prompt template with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of an expanded prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation.
type Role string

// Conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptsResult is a paginated list of prompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for expanding a specific prompt.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Meta      ParamsMeta        `json:"_meta,omitempty"`
}

// GetPromptResult is the result of a prompt expansion.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Root represents a top-level entry point the client grants the server access to.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// RootList is the result of a roots/list request.
type RootList struct {
	Roots []Root `json:"roots"`
}

// SamplingMessage is one message of a sampling conversation.
type SamplingMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// SamplingParams asks the client to generate a model response from the given
// conversation history.
type SamplingParams struct {
	Messages      []SamplingMessage `json:"messages"`
	SystemPrompt  string            `json:"systemPrompt,omitempty"`
	MaxTokens     int               `json:"maxTokens,omitempty"`
	StopSequences []string          `json:"stopSequences,omitempty"`
}

// SamplingResult is the client's generated response to a sampling request.
type SamplingResult struct {
	Role       Role    `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model,omitempty"`
	StopReason string  `json:"stopReason,omitempty"`
}
