package modelctx

import (
	"context"
	"sort"
	"sync"
)

// ResourceHandlerFunc reads the contents of one resource.
type ResourceHandlerFunc func(ctx context.Context, req *Request, uri string) ([]ResourceContents, error)

// ResourceSet is a registry of readable resources backing resources/list and
// resources/read.
type ResourceSet struct {
	mu        sync.RWMutex
	resources map[string]Resource
	handlers  map[string]ResourceHandlerFunc
	pageSize  int
}

// NewResourceSet creates an empty resource set. pageSize bounds resources/list
// pages; zero means unpaginated.
func NewResourceSet(pageSize int) *ResourceSet {
	return &ResourceSet{
		resources: make(map[string]Resource),
		handlers:  make(map[string]ResourceHandlerFunc),
		pageSize:  pageSize,
	}
}

// RegisterResource adds a resource keyed by its URI. Registering an existing URI
// replaces the previous resource.
func (rs *ResourceSet) RegisterResource(res Resource, handler ResourceHandlerFunc) {
	rs.mu.Lock()
	rs.resources[res.URI] = res
	rs.handlers[res.URI] = handler
	rs.mu.Unlock()
}

// RegisterStaticResource adds a resource whose contents never change.
func (rs *ResourceSet) RegisterStaticResource(res Resource, contents ResourceContents) {
	rs.RegisterResource(res, func(context.Context, *Request, string) ([]ResourceContents, error) {
		return []ResourceContents{contents}, nil
	})
}

// RemoveResource deletes a resource by URI and reports whether it was present.
func (rs *ResourceSet) RemoveResource(uri string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.resources[uri]; !ok {
		return false
	}
	delete(rs.resources, uri)
	delete(rs.handlers, uri)
	return true
}

// Table builds the router table exposing the set over resources/list and
// resources/read.
func (rs *ResourceSet) Table() *Table {
	t := NewTable()
	t.MustRegister(Entry{Method: MethodResourcesList, Handler: Typed(rs.handleList)})
	t.MustRegister(Entry{Method: MethodResourcesRead, Handler: Typed(rs.handleRead)})
	return t
}

func (rs *ResourceSet) handleList(_ context.Context, _ *Request, params ListResourcesParams) (any, error) {
	rs.mu.RLock()
	uris := make([]string, 0, len(rs.resources))
	for uri := range rs.resources {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	page, next, err := paginate(uris, params.Cursor, rs.pageSize)
	if err != nil {
		rs.mu.RUnlock()
		return nil, err
	}

	resources := make([]Resource, 0, len(page))
	for _, uri := range page {
		resources = append(resources, rs.resources[uri])
	}
	rs.mu.RUnlock()

	return ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (rs *ResourceSet) handleRead(ctx context.Context, req *Request, params ReadResourceParams) (any, error) {
	rs.mu.RLock()
	handler, ok := rs.handlers[params.URI]
	rs.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeInvalidParams, "unknown resource: %s", params.URI)
	}

	contents, err := handler(ctx, req, params.URI)
	if err != nil {
		return nil, err
	}
	return ReadResourceResult{Contents: contents}, nil
}
