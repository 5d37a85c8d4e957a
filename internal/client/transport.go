// Package client holds the client side of colla: transports to a node, the
// document replica that buffers and publishes local edits, and the presence
// sync that keeps a peer's state current in a room.
package client

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/server/rpc"
)

// ErrClosed is returned by calls on a closed transport.
var ErrClosed = errors.New("client: transport closed")

// Transport carries procedure calls to a node.
type Transport interface {
	// Call runs a mutation and decodes its result into out, which may be nil.
	Call(ctx context.Context, path string, input, out any) error
	// Subscribe runs a subscription, handing each frame to handle, until the
	// server ends it, handle fails or ctx is done. Cancellation is not an
	// error.
	Subscribe(ctx context.Context, path string, input any, handle func(json.RawMessage) error) error
}

// Local calls a router in process. Frames still go through JSON so the
// behavior matches a websocket connection.
type Local struct {
	Router *rpc.Router
}

// Call implements Transport.
func (l Local) Call(ctx context.Context, path string, input, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	res, err := l.Router.Call(ctx, rpc.MethodMutation, path, raw)
	if err != nil {
		return wireError(err)
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Subscribe implements Transport.
func (l Local) Subscribe(ctx context.Context, path string, input any, handle func(json.RawMessage) error) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	err = l.Router.Stream(ctx, path, raw, func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := handle(b); err != nil {
			return &handlerError{err: err}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return wireError(err)
	}
	return nil
}

// wireError reduces err to what a remote caller would see.
func wireError(err error) error {
	var handled *handlerError
	if errors.As(err, &handled) {
		return handled.err
	}
	return apierr.New(apierr.CodeOf(err), "%s", apierr.MessageOf(err))
}

// handlerError marks an error raised by a frame handler so transports hand
// it back unchanged.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }
