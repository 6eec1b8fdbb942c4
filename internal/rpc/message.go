package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viant/jsonrpc"
)

// MessageParams are the params of a JSON-RPC procedure message.
type MessageParams struct {
	Path  string          `json:"path"`
	Input json.RawMessage `json:"input,omitempty"`
}

// MessageResult is the result of a JSON-RPC procedure message.
type MessageResult struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServeMessage resolves a JSON-RPC message whose method is "query" or
// "mutation" and whose params are MessageParams.
func (r *Router) ServeMessage(ctx context.Context, rctx any, req *jsonrpc.Request) *jsonrpc.Response {
	resp := &jsonrpc.Response{Id: req.Id, Jsonrpc: jsonrpc.Version}

	typ := ProcedureType(req.Method)
	if typ != Query && typ != Mutation {
		resp.Error = jsonrpc.NewMethodNotFound(fmt.Sprintf("method: %v not found", req.Method), req.Params)
		return resp
	}

	var params MessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		resp.Error = jsonrpc.NewInvalidParamsError(fmt.Sprintf("failed to parse: %v", err), req.Params)
		return resp
	}

	data, rerr := r.Call(Call{Ctx: ctx, Context: rctx, Path: params.Path, Type: typ, Input: params.Input})
	if rerr != nil {
		shape, _ := json.Marshal(rerr.Shape(params.Path).Data)
		resp.Error = &jsonrpc.Error{Code: rerr.JSONRPCCode(), Message: rerr.Message, Data: shape}
		return resp
	}

	result, err := json.Marshal(MessageResult{Type: "data", Data: data})
	if err != nil {
		resp.Error = jsonrpc.NewInternalError(err.Error(), nil)
		return resp
	}
	resp.Result = result
	return resp
}
