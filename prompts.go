package modelctx

import (
	"context"
	"sort"
	"sync"
)

// PromptHandlerFunc expands one prompt with the given arguments.
type PromptHandlerFunc func(ctx context.Context, req *Request, args map[string]string) (GetPromptResult, error)

// PromptSet is a registry of prompt templates backing prompts/list and
// prompts/get.
type PromptSet struct {
	mu       sync.RWMutex
	prompts  map[string]Prompt
	handlers map[string]PromptHandlerFunc
	pageSize int
}

// NewPromptSet creates an empty prompt set. pageSize bounds prompts/list pages;
// zero means unpaginated.
func NewPromptSet(pageSize int) *PromptSet {
	return &PromptSet{
		prompts:  make(map[string]Prompt),
		handlers: make(map[string]PromptHandlerFunc),
		pageSize: pageSize,
	}
}

// RegisterPrompt adds a prompt template. Registering an existing name replaces
// the previous prompt.
func (ps *PromptSet) RegisterPrompt(prompt Prompt, handler PromptHandlerFunc) {
	ps.mu.Lock()
	ps.prompts[prompt.Name] = prompt
	ps.handlers[prompt.Name] = handler
	ps.mu.Unlock()
}

// RemovePrompt deletes a prompt by name and reports whether it was present.
func (ps *PromptSet) RemovePrompt(name string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.prompts[name]; !ok {
		return false
	}
	delete(ps.prompts, name)
	delete(ps.handlers, name)
	return true
}

// Table builds the router table exposing the set over prompts/list and
// prompts/get.
func (ps *PromptSet) Table() *Table {
	t := NewTable()
	t.MustRegister(Entry{Method: MethodPromptsList, Handler: Typed(ps.handleList)})
	t.MustRegister(Entry{Method: MethodPromptsGet, Handler: Typed(ps.handleGet)})
	return t
}

func (ps *PromptSet) handleList(_ context.Context, _ *Request, params ListPromptsParams) (any, error) {
	ps.mu.RLock()
	names := make([]string, 0, len(ps.prompts))
	for name := range ps.prompts {
		names = append(names, name)
	}
	sort.Strings(names)

	page, next, err := paginate(names, params.Cursor, ps.pageSize)
	if err != nil {
		ps.mu.RUnlock()
		return nil, err
	}

	prompts := make([]Prompt, 0, len(page))
	for _, name := range page {
		prompts = append(prompts, ps.prompts[name])
	}
	ps.mu.RUnlock()

	return ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}

func (ps *PromptSet) handleGet(ctx context.Context, req *Request, params GetPromptParams) (any, error) {
	ps.mu.RLock()
	prompt, ok := ps.prompts[params.Name]
	handler := ps.handlers[params.Name]
	ps.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeInvalidParams, "unknown prompt: %s", params.Name)
	}

	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return nil, Errorf(CodeInvalidParams, "missing required argument: %s", arg.Name)
		}
	}

	return handler(ctx, req, params.Arguments)
}
