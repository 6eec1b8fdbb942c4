package rpc

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a symbolic RPC error code.
type Code string

const (
	CodeParseError         Code = "PARSE_ERROR"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeMethodNotSupported Code = "METHOD_NOT_SUPPORTED"
	CodeInternal           Code = "INTERNAL_SERVER_ERROR"
)

var codeTable = map[Code]struct {
	jsonrpc int
	status  int
}{
	CodeParseError:         {-32700, http.StatusBadRequest},
	CodeBadRequest:         {-32600, http.StatusBadRequest},
	CodeUnauthorized:       {-32001, http.StatusUnauthorized},
	CodeForbidden:          {-32003, http.StatusForbidden},
	CodeNotFound:           {-32004, http.StatusNotFound},
	CodeMethodNotSupported: {-32005, http.StatusMethodNotAllowed},
	CodeInternal:           {-32603, http.StatusInternalServerError},
}

// Error is a procedure failure carried back to the caller.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError returns an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf returns an Error with a formatted message. A %w verb sets Err.
func Errorf(code Code, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Err: errors.Unwrap(err)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the code to an HTTP status.
func (e *Error) HTTPStatus() int {
	if c, ok := codeTable[e.Code]; ok {
		return c.status
	}
	return http.StatusInternalServerError
}

// JSONRPCCode maps the code to a JSON-RPC 2.0 error code.
func (e *Error) JSONRPCCode() int {
	if c, ok := codeTable[e.Code]; ok {
		return c.jsonrpc
	}
	return codeTable[CodeInternal].jsonrpc
}

// AsError returns err as an *Error, wrapping anything else as an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Err: err}
}
