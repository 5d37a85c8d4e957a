package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/colla/internal/apierr"
	logpkg "github.com/rzbill/colla/pkg/log"
)

type echoInput struct {
	Text string `json:"text"`
}

func testRouter() *Router {
	r := NewRouter()
	r.Query("echo", Typed(func(_ context.Context, in echoInput) (echoInput, error) {
		return in, nil
	}))
	r.Mutation("fail", Typed(func(context.Context, echoInput) (any, error) {
		return nil, apierr.New(apierr.Forbidden, "nope")
	}))
	r.Mutation("boom", Typed(func(context.Context, echoInput) (any, error) {
		return nil, errors.New("disk on fire")
	}))
	r.Subscription("ticks", TypedStream(func(ctx context.Context, in echoInput, send func(int) error) error {
		for i := 0; ; i++ {
			if err := send(i); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	r.Subscription("once", TypedStream(func(ctx context.Context, in echoInput, send func(string) error) error {
		return send(in.Text)
	}))
	return r
}

type wsClient struct {
	ws     *websocket.Conn
	frames chan Response
}

func dial(t *testing.T, r *Router) *wsClient {
	t.Helper()
	srv := NewServer(r, Options{Logger: logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	c := &wsClient{ws: ws, frames: make(chan Response, 256)}
	go func() {
		defer close(c.frames)
		for {
			var resp Response
			if err := ws.ReadJSON(&resp); err != nil {
				return
			}
			c.frames <- resp
		}
	}()
	return c
}

func (c *wsClient) send(t *testing.T, req Request) {
	t.Helper()
	if err := c.ws.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) next(t *testing.T) Response {
	t.Helper()
	select {
	case resp, ok := <-c.frames:
		if !ok {
			t.Fatalf("connection closed")
		}
		return resp
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return Response{}
}

// until skips frames until one of type typ arrives for id.
func (c *wsClient) until(t *testing.T, id, typ string) Response {
	t.Helper()
	for {
		resp := c.next(t)
		if resp.ID == id && resp.Type == typ {
			return resp
		}
	}
}

func TestQueryAndMutationResults(t *testing.T) {
	c := dial(t, testRouter())

	c.send(t, Request{ID: "1", Method: MethodQuery, Path: "echo", Input: json.RawMessage(`{"text":"hi"}`)})
	resp := c.next(t)
	if resp.ID != "1" || resp.Type != TypeResult || string(resp.Data) != `{"text":"hi"}` {
		t.Fatalf("echo: %+v", resp)
	}

	tests := []struct {
		name string
		req  Request
		code apierr.Code
	}{
		{"coded error", Request{ID: "2", Method: MethodMutation, Path: "fail"}, apierr.Forbidden},
		{"uncoded error", Request{ID: "3", Method: MethodMutation, Path: "boom"}, apierr.Internal},
		{"unknown path", Request{ID: "4", Method: MethodQuery, Path: "nope"}, apierr.NotFound},
		{"wrong method", Request{ID: "5", Method: MethodMutation, Path: "echo"}, apierr.BadRequest},
		{"bad input", Request{ID: "6", Method: MethodQuery, Path: "echo", Input: json.RawMessage(`[1]`)}, apierr.BadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(t, tt.req)
			resp := c.next(t)
			if resp.ID != tt.req.ID || resp.Type != TypeError || resp.Error == nil {
				t.Fatalf("expected error frame: %+v", resp)
			}
			if resp.Error.Code != tt.code {
				t.Fatalf("code: got %s want %s", resp.Error.Code, tt.code)
			}
		})
	}

	c.send(t, Request{ID: "7", Method: MethodMutation, Path: "boom"})
	if resp := c.next(t); resp.Error.Message != "internal error" {
		t.Fatalf("internal details leaked: %q", resp.Error.Message)
	}
}

func TestSubscriptionStreamsUntilStopped(t *testing.T) {
	c := dial(t, testRouter())
	c.send(t, Request{ID: "s1", Method: MethodSubscription, Path: "ticks"})
	for i := 0; i < 3; i++ {
		resp := c.until(t, "s1", TypeData)
		var n int
		if err := json.Unmarshal(resp.Data, &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != i {
			t.Fatalf("tick %d: got %d", i, n)
		}
	}

	c.send(t, Request{ID: "s1", Method: MethodSubscription, Path: "ticks"})
	if resp := c.until(t, "s1", TypeError); resp.Error.Code != apierr.Conflict {
		t.Fatalf("duplicate id: %+v", resp.Error)
	}

	c.send(t, Request{ID: "s1", Method: MethodStop})
	c.until(t, "s1", TypeStopped)

	// Queries still work on the same connection.
	c.send(t, Request{ID: "q", Method: MethodQuery, Path: "echo", Input: json.RawMessage(`{"text":"after"}`)})
	c.until(t, "q", TypeResult)
}

func TestSubscriptionThatReturnsStops(t *testing.T) {
	c := dial(t, testRouter())
	c.send(t, Request{ID: "o", Method: MethodSubscription, Path: "once", Input: json.RawMessage(`{"text":"x"}`)})
	if resp := c.next(t); resp.Type != TypeData || string(resp.Data) != `"x"` {
		t.Fatalf("data: %+v", resp)
	}
	if resp := c.next(t); resp.Type != TypeStopped {
		t.Fatalf("expected stopped: %+v", resp)
	}
}

func TestStopUnknownSubscription(t *testing.T) {
	c := dial(t, testRouter())
	c.send(t, Request{ID: "ghost", Method: MethodStop})
	if resp := c.next(t); resp.ID != "ghost" || resp.Type != TypeStopped {
		t.Fatalf("stop: %+v", resp)
	}
}

func TestServerCloseCancelsSubscriptions(t *testing.T) {
	r := NewRouter()
	ended := make(chan struct{})
	r.Subscription("wait", func(ctx context.Context, _ json.RawMessage, send func(any) error) error {
		_ = send("started")
		<-ctx.Done()
		close(ended)
		return nil
	})
	srv := NewServer(r, Options{Logger: logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))})
	hs := httptest.NewServer(srv)
	defer hs.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteJSON(Request{ID: "w", Method: MethodSubscription, Path: "wait"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := ws.ReadJSON(&resp); err != nil || resp.Type != TypeData {
		t.Fatalf("first frame: %+v %v", resp, err)
	}
	srv.Close()
	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription not cancelled on close")
	}
}

func TestRouterRejectsDuplicatePaths(t *testing.T) {
	r := NewRouter()
	r.Query("a", nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	r.Mutation("a", nil)
}
