// Package rpc defines the boundary between the bridge and the RPC handler,
// along with a small procedure table and a handler serving it over the
// batched HTTP wire format and over JSON-RPC messages.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ProcedureType distinguishes reads from writes.
type ProcedureType string

const (
	Query    ProcedureType = "query"
	Mutation ProcedureType = "mutation"
)

// Call is a single procedure invocation.
type Call struct {
	Ctx     context.Context
	Context any // value produced by the CreateContext hook
	Path    string
	Type    ProcedureType
	Input   json.RawMessage
}

// Bind decodes the call input into v. A missing input leaves v untouched.
func (c Call) Bind(v any) error {
	if len(c.Input) == 0 || string(c.Input) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Input, v); err != nil {
		return Errorf(CodeBadRequest, "invalid input for %q: %w", c.Path, err)
	}
	return nil
}

// ResolveFunc implements a procedure.
type ResolveFunc func(call Call) (any, error)

type procedure struct {
	typ     ProcedureType
	resolve ResolveFunc
}

// Router is a dispatch table of procedures keyed by dotted path.
type Router struct {
	procs map[string]procedure
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{procs: make(map[string]procedure)}
}

// Query registers a query procedure at path.
func (r *Router) Query(path string, fn ResolveFunc) *Router {
	r.procs[path] = procedure{typ: Query, resolve: fn}
	return r
}

// Mutation registers a mutation procedure at path.
func (r *Router) Mutation(path string, fn ResolveFunc) *Router {
	r.procs[path] = procedure{typ: Mutation, resolve: fn}
	return r
}

// Paths returns the registered procedure paths in sorted order.
func (r *Router) Paths() []string {
	paths := make([]string, 0, len(r.procs))
	for p := range r.procs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Call resolves one procedure and returns its JSON-encoded result.
func (r *Router) Call(call Call) (json.RawMessage, *Error) {
	p, ok := r.procs[call.Path]
	if !ok || p.typ != call.Type {
		return nil, NewError(CodeNotFound, fmt.Sprintf("no %q-procedure on path %q", call.Type, call.Path))
	}

	result, err := p.resolve(call)
	if err != nil {
		return nil, AsError(err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, Errorf(CodeInternal, "encode result of %q: %w", call.Path, err)
	}
	return data, nil
}
