// Package model defines shared types for the RPC bridge.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// RPCRequest is an inbound request handed to the RPC handler. Endpoint is
// relative to the mount path, e.g. "greeting" or "a,b" for a batch.
type RPCRequest struct {
	Ctx      context.Context
	Method   string
	Endpoint string
	Query    url.Values
	Header   http.Header
	Body     io.Reader
}

// Outcome is the response produced by the RPC handler. It is treated as
// immutable: the bridge layers its own headers on a copy.
type Outcome struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone returns a copy of o whose header map can be modified independently.
func (o *Outcome) Clone() *Outcome {
	c := *o
	c.Header = o.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return &c
}
