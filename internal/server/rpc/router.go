package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rzbill/colla/internal/apierr"
)

// Handler answers a query or mutation.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Stream runs a subscription until ctx is done or it returns. Each value
// passed to send becomes one data frame.
type Stream func(ctx context.Context, input json.RawMessage, send func(any) error) error

type procedure struct {
	method string
	call   Handler
	stream Stream
}

// Router maps procedure paths to handlers.
type Router struct {
	procs map[string]procedure
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{procs: make(map[string]procedure)}
}

// Query registers a read-only call.
func (r *Router) Query(path string, h Handler) { r.add(path, procedure{method: MethodQuery, call: h}) }

// Mutation registers a call with side effects.
func (r *Router) Mutation(path string, h Handler) {
	r.add(path, procedure{method: MethodMutation, call: h})
}

// Subscription registers a streaming procedure.
func (r *Router) Subscription(path string, s Stream) {
	r.add(path, procedure{method: MethodSubscription, stream: s})
}

func (r *Router) add(path string, p procedure) {
	if _, dup := r.procs[path]; dup {
		panic(fmt.Sprintf("rpc: duplicate procedure %q", path))
	}
	r.procs[path] = p
}

// Paths lists the registered procedures.
func (r *Router) Paths() []string {
	out := make([]string, 0, len(r.procs))
	for p := range r.procs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Router) lookup(method, path string) (procedure, error) {
	p, ok := r.procs[path]
	if !ok {
		return procedure{}, apierr.New(apierr.NotFound, "no procedure %q", path)
	}
	if p.method != method {
		return procedure{}, apierr.New(apierr.BadRequest, "%q is a %s, not a %s", path, p.method, method)
	}
	return p, nil
}

// Call invokes a query or mutation in process.
func (r *Router) Call(ctx context.Context, method, path string, input json.RawMessage) (any, error) {
	p, err := r.lookup(method, path)
	if err != nil {
		return nil, err
	}
	return p.call(ctx, input)
}

// Stream runs a subscription in process until it returns or ctx is done.
func (r *Router) Stream(ctx context.Context, path string, input json.RawMessage, send func(any) error) error {
	p, err := r.lookup(MethodSubscription, path)
	if err != nil {
		return err
	}
	return p.stream(ctx, input, send)
}

// Typed adapts a function taking a decoded input.
func Typed[In, Out any](fn func(context.Context, In) (Out, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// TypedStream adapts a subscription taking a decoded input and emitting
// typed frames.
func TypedStream[In, Msg any](fn func(context.Context, In, func(Msg) error) error) Stream {
	return func(ctx context.Context, raw json.RawMessage, send func(any) error) error {
		var in In
		if err := decode(raw, &in); err != nil {
			return err
		}
		return fn(ctx, in, func(m Msg) error { return send(m) })
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Wrap(apierr.BadRequest, err, "malformed input")
	}
	return nil
}
