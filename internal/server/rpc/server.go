package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/colla/internal/apierr"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Options tunes connection handling.
type Options struct {
	Logger          logpkg.Logger
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Server upgrades HTTP requests to websocket RPC connections.
type Server struct {
	router   *Router
	opts     Options
	logger   logpkg.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a Server dispatching to router.
func NewServer(router *Router, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 8 << 20
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router: router,
		opts:   opts,
		logger: logger.With(logpkg.Component("rpc")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", logpkg.Err(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	c := &conn{
		srv:    s,
		ws:     ws,
		subs:   make(map[string]context.CancelFunc),
		logger: s.logger.With(logpkg.Str("remote", r.RemoteAddr)),
	}
	c.serve(ctx)
}

// Close cancels every open connection and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

type conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger logpkg.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.wg.Wait()
		_ = c.ws.Close()
	}()

	// Unblocks ReadMessage when the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	c.ws.SetReadLimit(c.srv.opts.MaxMessageBytes)
	pongWait := c.srv.opts.PongWait
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.wg.Add(1)
	go c.ping(ctx, pongWait*9/10)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.logger.Debug("read failed", logpkg.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.write(Response{Type: TypeError, Error: errorBody(apierr.Wrap(apierr.BadRequest, err, "malformed frame"))})
			continue
		}
		c.handle(ctx, req)
	}
}

func (c *conn) ping(ctx context.Context, every time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.srv.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// handle dispatches one request. Queries and mutations run in arrival
// order on the read loop; subscriptions get their own goroutine.
func (c *conn) handle(ctx context.Context, req Request) {
	if req.Method == MethodStop {
		c.mu.Lock()
		cancel, ok := c.subs[req.ID]
		c.mu.Unlock()
		if ok {
			cancel()
		} else {
			c.write(Response{ID: req.ID, Type: TypeStopped})
		}
		return
	}
	proc, err := c.srv.router.lookup(req.Method, req.Path)
	if err != nil {
		c.fail(req, err)
		return
	}
	if req.Method != MethodSubscription {
		out, err := proc.call(ctx, req.Input)
		if err != nil {
			c.fail(req, err)
			return
		}
		data, err := json.Marshal(out)
		if err != nil {
			c.fail(req, apierr.Wrap(apierr.Internal, err, "encode result"))
			return
		}
		c.write(Response{ID: req.ID, Type: TypeResult, Data: data})
		return
	}

	c.mu.Lock()
	if _, dup := c.subs[req.ID]; dup {
		c.mu.Unlock()
		c.fail(req, apierr.New(apierr.Conflict, "subscription %q already running", req.ID))
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	c.subs[req.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.subs, req.ID)
			c.mu.Unlock()
			cancel()
		}()
		send := func(v any) error {
			if sctx.Err() != nil {
				return sctx.Err()
			}
			data, err := json.Marshal(v)
			if err != nil {
				return apierr.Wrap(apierr.Internal, err, "encode frame")
			}
			return c.write(Response{ID: req.ID, Type: TypeData, Data: data})
		}
		err := proc.stream(sctx, req.Input, send)
		if err != nil && sctx.Err() == nil {
			c.fail(req, err)
			return
		}
		c.write(Response{ID: req.ID, Type: TypeStopped})
	}()
}

func (c *conn) fail(req Request, err error) {
	if apierr.CodeOf(err) == apierr.Internal {
		c.logger.Error("procedure failed", logpkg.Str("path", req.Path), logpkg.Str("id", req.ID), logpkg.Err(err))
	} else {
		c.logger.Debug("procedure rejected", logpkg.Str("path", req.Path), logpkg.Str("id", req.ID), logpkg.Err(err))
	}
	c.write(Response{ID: req.ID, Type: TypeError, Error: errorBody(err)})
}

func (c *conn) write(resp Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
	if err := c.ws.WriteJSON(resp); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("write failed", logpkg.Err(err))
		}
		return err
	}
	return nil
}
