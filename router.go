package modelctx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Request is an inbound method invocation handed to a handler. Params is the raw
// JSON parameter object; Peer is the session the request arrived on, usable for
// progress reporting or for issuing requests back to the remote side while the
// handler runs. For notifications, ID is empty.
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
	Peer   *Peer
}

// HandlerFunc is the invocation target of a router entry. Returning an *Error
// produces a structured error response; any other error is converted to an
// internal error response. Neither terminates the session.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Entry binds a method name to a handler along with its declared input schema and
// optional annotations.
type Entry struct {
	Method      string
	InputSchema json.RawMessage
	Annotations map[string]any
	Handler     HandlerFunc
}

// Table is a mutable set of router entries, composed into a Router at startup.
type Table struct {
	entries []Entry
	byName  map[string]struct{}
}

// NewTable creates an empty handler table.
func NewTable() *Table {
	return &Table{byName: make(map[string]struct{})}
}

// Register adds an entry to the table. Registering a method name twice is a
// construction-time error.
func (t *Table) Register(entry Entry) error {
	if entry.Method == "" {
		return fmt.Errorf("entry has no method name")
	}
	if entry.Handler == nil {
		return fmt.Errorf("entry %q has no handler", entry.Method)
	}
	if _, ok := t.byName[entry.Method]; ok {
		return fmt.Errorf("duplicate method %q", entry.Method)
	}
	t.byName[entry.Method] = struct{}{}
	t.entries = append(t.entries, entry)
	return nil
}

// MustRegister is Register for static tables assembled at program start; it
// panics on a duplicate method name.
func (t *Table) MustRegister(entry Entry) {
	if err := t.Register(entry); err != nil {
		panic(err)
	}
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPageSize bounds how many entries List returns per page. Zero means a
// single page holds everything.
func WithPageSize(n int) RouterOption {
	return func(r *Router) {
		r.pageSize = n
	}
}

// Router holds an immutable mapping from method name to handler entry, built by
// composing one or more tables. The composition rejects duplicate method names.
// Entries are kept in sorted method-name order so listing is stable across calls.
type Router struct {
	entries  map[string]Entry
	order    []string
	pageSize int
}

// NewRouter composes the given tables into a router. Two tables sharing a method
// name make composition fail.
func NewRouter(tables ...*Table) (*Router, error) {
	return NewRouterWith(tables, nil)
}

// NewRouterWith is NewRouter with options.
func NewRouterWith(tables []*Table, options []RouterOption) (*Router, error) {
	r := &Router{entries: make(map[string]Entry)}
	for _, opt := range options {
		opt(r)
	}

	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, entry := range t.entries {
			if _, ok := r.entries[entry.Method]; ok {
				return nil, fmt.Errorf("router composition: duplicate method %q", entry.Method)
			}
			r.entries[entry.Method] = entry
			r.order = append(r.order, entry.Method)
		}
	}
	sort.Strings(r.order)

	return r, nil
}

// Has reports whether the router holds an entry for the method.
func (r *Router) Has(method string) bool {
	_, ok := r.entries[method]
	return ok
}

// Len returns the number of registered entries.
func (r *Router) Len() int {
	return len(r.entries)
}

// List returns one page of entries in stable method-name order. The cursor is
// opaque; an empty cursor starts from the beginning, and an empty next cursor
// means the listing is exhausted.
func (r *Router) List(cursor string) ([]Entry, string, error) {
	start := 0
	if cursor != "" {
		offset, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", Errorf(CodeInvalidParams, "invalid cursor")
		}
		start = offset
	}
	if start >= len(r.order) {
		return nil, "", nil
	}

	end := len(r.order)
	next := ""
	if r.pageSize > 0 && start+r.pageSize < end {
		end = start + r.pageSize
		next = encodeCursor(end)
	}

	items := make([]Entry, 0, end-start)
	for _, method := range r.order[start:end] {
		items = append(items, r.entries[method])
	}
	return items, next, nil
}

// Dispatch looks up and invokes the handler for the request. An unknown method
// yields a method-not-found *Error. The router holds no mutable per-call state;
// invocations may run concurrently.
func (r *Router) Dispatch(ctx context.Context, req *Request) (any, error) {
	entry, ok := r.entries[req.Method]
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "method not found: %s", req.Method)
	}
	return entry.Handler(ctx, req)
}

// Typed wraps a handler taking decoded parameters of type T. Parameters that do
// not match T's shape produce an invalid-params error response.
func Typed[T any](fn func(ctx context.Context, req *Request, params T) (any, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		var params T
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err)
			}
		}
		return fn(ctx, req, params)
	}
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	bs, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	offset, err := strconv.Atoi(string(bs))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor payload")
	}
	return offset, nil
}
