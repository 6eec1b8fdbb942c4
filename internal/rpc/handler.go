package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"rpc-bridge-go/internal/model"
)

// ContextFunc produces the per-request value handed to procedures.
type ContextFunc func(ctx context.Context) (any, error)

// ResponseMetaInput describes a finished request to a ResponseMetaFunc.
type ResponseMetaInput struct {
	Context any
	Paths   []string
	Type    ProcedureType
	Errors  []*Error
}

// ResponseMeta overrides the status and adds headers. Zero fields are ignored.
type ResponseMeta struct {
	Status int
	Header http.Header
}

// ResponseMetaFunc computes ResponseMeta for a request.
type ResponseMetaFunc func(in ResponseMetaInput) ResponseMeta

// ErrorInfo is passed to an ErrorHook for each failed procedure.
type ErrorInfo struct {
	Context any
	Err     *Error
	Path    string
	Input   json.RawMessage
	Type    ProcedureType
	Request *model.RPCRequest
}

// ErrorHook observes procedure failures.
type ErrorHook func(info ErrorInfo)

// Options configure one handler invocation.
type Options struct {
	Router        *Router
	CreateContext ContextFunc
	ResponseMeta  ResponseMetaFunc
	OnError       ErrorHook
}

// Handler turns one request into one outcome. It never fails: errors are
// encoded into the outcome.
type Handler interface {
	Serve(req *model.RPCRequest, opts Options) *model.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *model.RPCRequest, opts Options) *model.Outcome

// Serve calls f.
func (f HandlerFunc) Serve(req *model.RPCRequest, opts Options) *model.Outcome {
	return f(req, opts)
}

// FetchHandler serves Options.Router over the batched HTTP wire format:
// GET for queries with input in the "input" query parameter, POST for
// mutations with input in the body, and "batch=1" with comma-separated paths
// and an index-keyed input object for batches.
var FetchHandler Handler = HandlerFunc(serveFetch)

type resultEnvelope struct {
	Result struct {
		Data json.RawMessage `json:"data"`
	} `json:"result"`
}

type errorEnvelope struct {
	Error ErrorShape `json:"error"`
}

// ErrorShape is the wire form of an Error.
type ErrorShape struct {
	Message string         `json:"message"`
	Code    int            `json:"code"`
	Data    ErrorShapeData `json:"data"`
}

// ErrorShapeData carries the symbolic code and HTTP status of an ErrorShape.
type ErrorShapeData struct {
	Code       Code   `json:"code"`
	HTTPStatus int    `json:"httpStatus"`
	Path       string `json:"path,omitempty"`
}

// Shape returns the wire form of e for path.
func (e *Error) Shape(path string) ErrorShape {
	return ErrorShape{
		Message: e.Message,
		Code:    e.JSONRPCCode(),
		Data:    ErrorShapeData{Code: e.Code, HTTPStatus: e.HTTPStatus(), Path: path},
	}
}

func serveFetch(req *model.RPCRequest, opts Options) *model.Outcome {
	batch := req.Query.Get("batch") == "1"
	paths := []string{req.Endpoint}
	if batch {
		paths = strings.Split(req.Endpoint, ",")
	}

	s := &fetchState{req: req, opts: opts, paths: paths, batch: batch}

	switch req.Method {
	case http.MethodGet:
		s.typ = Query
	case http.MethodPost:
		s.typ = Mutation
	default:
		return s.failAll(nil, Errorf(CodeMethodNotSupported, "unsupported method %s", req.Method))
	}
	if opts.Router == nil {
		return s.failAll(nil, NewError(CodeInternal, "no router configured"))
	}

	inputs, rerr := s.readInputs()
	if rerr != nil {
		return s.failAll(nil, rerr)
	}

	if opts.CreateContext != nil {
		rctx, err := opts.CreateContext(req.Ctx)
		if err != nil {
			return s.failAll(inputs, AsError(err))
		}
		s.rctx = rctx
	}

	results := make([]any, len(paths))
	errs := make([]*Error, 0)
	for i, path := range paths {
		data, cerr := opts.Router.Call(Call{
			Ctx:     req.Ctx,
			Context: s.rctx,
			Path:    path,
			Type:    s.typ,
			Input:   inputs[i],
		})
		if cerr != nil {
			s.report(path, inputs[i], cerr)
			results[i] = errorEnvelope{Error: cerr.Shape(path)}
			errs = append(errs, cerr)
			continue
		}
		env := resultEnvelope{}
		env.Result.Data = data
		results[i] = env
	}
	return s.outcome(results, errs)
}

type fetchState struct {
	req   *model.RPCRequest
	opts  Options
	paths []string
	batch bool
	typ   ProcedureType
	rctx  any
}

func (s *fetchState) readInputs() ([]json.RawMessage, *Error) {
	var raw []byte
	if s.typ == Query {
		raw = []byte(s.req.Query.Get("input"))
	} else if s.req.Body != nil {
		b, err := io.ReadAll(s.req.Body)
		if err != nil {
			return nil, Errorf(CodeBadRequest, "read body: %w", err)
		}
		raw = bytes.TrimSpace(b)
	}

	inputs := make([]json.RawMessage, len(s.paths))
	if len(raw) == 0 {
		return inputs, nil
	}
	if !json.Valid(raw) {
		return nil, NewError(CodeParseError, "input is not valid JSON")
	}
	if !s.batch {
		inputs[0] = raw
		return inputs, nil
	}

	var byIndex map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byIndex); err != nil {
		return nil, Errorf(CodeParseError, "batch input must be an object keyed by index: %w", err)
	}
	for i := range inputs {
		inputs[i] = byIndex[strconv.Itoa(i)]
	}
	return inputs, nil
}

func (s *fetchState) report(path string, input json.RawMessage, err *Error) {
	if s.opts.OnError == nil {
		return
	}
	s.opts.OnError(ErrorInfo{
		Context: s.rctx,
		Err:     err,
		Path:    path,
		Input:   input,
		Type:    s.typ,
		Request: s.req,
	})
}

func (s *fetchState) failAll(inputs []json.RawMessage, err *Error) *model.Outcome {
	results := make([]any, len(s.paths))
	errs := make([]*Error, len(s.paths))
	for i, path := range s.paths {
		var input json.RawMessage
		if inputs != nil {
			input = inputs[i]
		}
		s.report(path, input, err)
		results[i] = errorEnvelope{Error: err.Shape(path)}
		errs[i] = err
	}
	return s.outcome(results, errs)
}

func (s *fetchState) outcome(results []any, errs []*Error) *model.Outcome {
	status := http.StatusOK
	if len(errs) > 0 {
		status = errs[0].HTTPStatus()
		for _, e := range errs[1:] {
			if e.HTTPStatus() != status {
				status = http.StatusMultiStatus
				break
			}
		}
		if len(errs) < len(results) {
			status = http.StatusMultiStatus
		}
	}

	var payload any = results
	if !s.batch {
		payload = results[0]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"error":{"message":"encode response","code":-32603,"data":{"code":"INTERNAL_SERVER_ERROR","httpStatus":500}}}`)
		status = http.StatusInternalServerError
	}

	header := http.Header{"Content-Type": {"application/json"}}
	if s.opts.ResponseMeta != nil {
		meta := s.opts.ResponseMeta(ResponseMetaInput{
			Context: s.rctx,
			Paths:   s.paths,
			Type:    s.typ,
			Errors:  errs,
		})
		if meta.Status != 0 {
			status = meta.Status
		}
		for k, vs := range meta.Header {
			header[http.CanonicalHeaderKey(k)] = vs
		}
	}

	return &model.Outcome{Status: status, Header: header, Body: body}
}
