// Package rpc multiplexes queries, mutations and long-lived subscriptions
// over one websocket connection using JSON frames.
//
// A client sends a Request. Queries and mutations answer with one "result"
// or "error" Response carrying the request id. A subscription answers with
// any number of "data" Responses and ends with "stopped" or "error". A
// "stop" request cancels the subscription with the same id.
package rpc

import (
	"encoding/json"

	"github.com/rzbill/colla/internal/apierr"
)

// Request methods.
const (
	MethodQuery        = "query"
	MethodMutation     = "mutation"
	MethodSubscription = "subscription"
	MethodStop         = "stop"
)

// Response types.
const (
	TypeData    = "data"
	TypeResult  = "result"
	TypeError   = "error"
	TypeStopped = "stopped"
)

// Request is a client to server frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Path   string          `json:"path,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// Response is a server to client frame.
type Response struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
}

// Err converts the body back into a coded error.
func (b *ErrorBody) Err() error {
	if b == nil {
		return nil
	}
	return apierr.New(b.Code, "%s", b.Message)
}

func errorBody(err error) *ErrorBody {
	return &ErrorBody{Code: apierr.CodeOf(err), Message: apierr.MessageOf(err)}
}
