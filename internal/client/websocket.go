package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rzbill/colla/internal/server/rpc"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// WSOptions configures Dial.
type WSOptions struct {
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	Logger       logpkg.Logger
}

// WS multiplexes calls and subscriptions over one websocket connection.
type WS struct {
	ws     *websocket.Conn
	opts   WSOptions
	logger logpkg.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	calls map[string]chan rpc.Response
	subs  map[string]*inbox

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a node's /v1/rpc endpoint.
func Dial(ctx context.Context, url string, opts WSOptions) (*WS, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	ws, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, err
	}
	c := &WS{
		ws:     ws,
		opts:   opts,
		logger: logger.With(logpkg.Component("client.ws")),
		calls:  make(map[string]chan rpc.Response),
		subs:   make(map[string]*inbox),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *WS) Done() <-chan struct{} { return c.closed }

// Close ends the connection.
func (c *WS) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return c.ws.Close()
}

func (c *WS) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *WS) readLoop() {
	defer c.shutdown()
	for {
		var resp rpc.Response
		if err := c.ws.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", logpkg.Err(err))
			}
			return
		}
		c.mu.Lock()
		if ch, ok := c.calls[resp.ID]; ok {
			delete(c.calls, resp.ID)
			c.mu.Unlock()
			ch <- resp
			continue
		}
		box := c.subs[resp.ID]
		c.mu.Unlock()
		if box != nil {
			box.push(resp)
		}
	}
}

func (c *WS) send(req rpc.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(req)
}

func encode(input any) (json.RawMessage, error) {
	if input == nil {
		return nil, nil
	}
	return json.Marshal(input)
}

// Call implements Transport.
func (c *WS) Call(ctx context.Context, path string, input, out any) error {
	raw, err := encode(input)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	ch := make(chan rpc.Response, 1)
	c.mu.Lock()
	c.calls[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
	}()
	if err := c.send(rpc.Request{ID: id, Method: rpc.MethodMutation, Path: path, Input: raw}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case resp := <-ch:
		if resp.Type == rpc.TypeError {
			return resp.Error.Err()
		}
		if out == nil || len(resp.Data) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Data, out)
	}
}

// Subscribe implements Transport.
func (c *WS) Subscribe(ctx context.Context, path string, input any, handle func(json.RawMessage) error) error {
	raw, err := encode(input)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	box := newInbox()
	c.mu.Lock()
	c.subs[id] = box
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}()
	if err := c.send(rpc.Request{ID: id, Method: rpc.MethodSubscription, Path: path, Input: raw}); err != nil {
		return err
	}
	stop := func() { _ = c.send(rpc.Request{ID: id, Method: rpc.MethodStop}) }
	for {
		select {
		case <-ctx.Done():
			stop()
			return nil
		case <-c.closed:
			return ErrClosed
		case <-box.notify:
			for _, resp := range box.drain() {
				switch resp.Type {
				case rpc.TypeData:
					if err := handle(resp.Data); err != nil {
						stop()
						return err
					}
				case rpc.TypeStopped:
					return nil
				case rpc.TypeError:
					return resp.Error.Err()
				}
			}
		}
	}
}

// inbox queues frames for one subscription without ever blocking the
// connection's read loop.
type inbox struct {
	mu     sync.Mutex
	items  []rpc.Response
	notify chan struct{}
}

func newInbox() *inbox { return &inbox{notify: make(chan struct{}, 1)} }

func (b *inbox) push(r rpc.Response) {
	b.mu.Lock()
	b.items = append(b.items, r)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []rpc.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}
