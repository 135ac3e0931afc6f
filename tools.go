package modelctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// ToolHandlerFunc executes one tool invocation. Application-level failures should
// be reported through CallToolResult.IsError; a returned error becomes a JSON-RPC
// error response instead.
type ToolHandlerFunc func(ctx context.Context, req *Request, args json.RawMessage) (CallToolResult, error)

// Toolbox is a registry of callable tools. It produces the handler table backing
// tools/list and tools/call, and may be mutated after startup; registering or
// removing a tool while the session is live pairs with a tools/list_changed
// broadcast from the Server.
type Toolbox struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]ToolHandlerFunc
	pageSize int
}

// NewToolbox creates an empty toolbox. pageSize bounds tools/list pages; zero
// means unpaginated.
func NewToolbox(pageSize int) *Toolbox {
	return &Toolbox{
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandlerFunc),
		pageSize: pageSize,
	}
}

// RegisterTool adds a tool with a raw handler. The tool must carry an explicit
// InputSchema. Registering an existing name replaces the previous tool.
func (tb *Toolbox) RegisterTool(tool Tool, handler ToolHandlerFunc) error {
	if tool.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}
	tb.mu.Lock()
	tb.tools[tool.Name] = tool
	tb.handlers[tool.Name] = handler
	tb.mu.Unlock()
	return nil
}

// RemoveTool deletes a tool by name and reports whether it was present.
func (tb *Toolbox) RemoveTool(name string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, ok := tb.tools[name]; !ok {
		return false
	}
	delete(tb.tools, name)
	delete(tb.handlers, name)
	return true
}

// AddTool registers a tool whose arguments decode into T. When the tool carries
// no explicit InputSchema, one is derived from T's shape. Arguments that fail to
// decode produce an invalid-params error response without invoking the handler.
func AddTool[T any](tb *Toolbox, tool Tool, fn func(ctx context.Context, req *Request, args T) (CallToolResult, error)) error {
	if tool.InputSchema == nil {
		schema, err := SchemaFor[T]()
		if err != nil {
			return fmt.Errorf("failed to derive schema for tool %q: %w", tool.Name, err)
		}
		tool.InputSchema = schema
	}

	return tb.RegisterTool(tool, func(ctx context.Context, req *Request, raw json.RawMessage) (CallToolResult, error) {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return CallToolResult{}, Errorf(CodeInvalidParams, "failed to unmarshal arguments: %s", err)
			}
		}
		return fn(ctx, req, args)
	})
}

// SchemaFor derives a self-contained JSON schema from T's struct shape. Field
// names follow the json tags; jsonschema struct tags refine descriptions and
// constraints.
func SchemaFor[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(new(T))
	schema.Version = ""
	return json.Marshal(schema)
}

// Table builds the router table exposing the toolbox over tools/list and
// tools/call.
func (tb *Toolbox) Table() *Table {
	t := NewTable()
	t.MustRegister(Entry{Method: MethodToolsList, Handler: Typed(tb.handleList)})
	t.MustRegister(Entry{Method: MethodToolsCall, Handler: Typed(tb.handleCall)})
	return t
}

func (tb *Toolbox) handleList(_ context.Context, _ *Request, params ListToolsParams) (any, error) {
	tb.mu.RLock()
	names := make([]string, 0, len(tb.tools))
	for name := range tb.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	page, next, err := paginate(names, params.Cursor, tb.pageSize)
	if err != nil {
		tb.mu.RUnlock()
		return nil, err
	}

	tools := make([]Tool, 0, len(page))
	for _, name := range page {
		tools = append(tools, tb.tools[name])
	}
	tb.mu.RUnlock()

	return ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (tb *Toolbox) handleCall(ctx context.Context, req *Request, params CallToolParams) (any, error) {
	tb.mu.RLock()
	handler, ok := tb.handlers[params.Name]
	tb.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeInvalidParams, "unknown tool: %s", params.Name)
	}

	result, err := handler(ctx, req, params.Arguments)
	if err != nil {
		return nil, err
	}
	if result.Content == nil {
		result.Content = []Content{}
	}
	return result, nil
}

// paginate slices a sorted name list into one page starting at the cursor.
func paginate(names []string, cursor string, pageSize int) ([]string, string, error) {
	start := 0
	if cursor != "" {
		offset, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", Errorf(CodeInvalidParams, "invalid cursor")
		}
		start = offset
	}
	if start >= len(names) {
		return nil, "", nil
	}

	end := len(names)
	next := ""
	if pageSize > 0 && start+pageSize < end {
		end = start + pageSize
		next = encodeCursor(end)
	}
	return names[start:end], next, nil
}
