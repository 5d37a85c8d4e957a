package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/rzbill/colla/internal/node"
	"github.com/rzbill/colla/internal/runtime"
	"github.com/rzbill/colla/internal/server/http/controllers"
	"github.com/rzbill/colla/internal/server/rpc"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Server serves the websocket RPC endpoint and the REST routes of one node.
type Server struct {
	rt     *runtime.Runtime
	node   *node.Node
	rpc    *rpc.Server
	srv    *http.Server
	logger logpkg.Logger

	mu  sync.Mutex
	lis net.Listener
}

// New builds a Server over the services of n.
func New(rt *runtime.Runtime, n *node.Node, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	logger = logger.With(logpkg.Component("http"))
	router := mux.NewRouter()
	s := &Server{
		rt:     rt,
		node:   n,
		rpc:    rpc.NewServer(n.Router, rpc.Options{Logger: logger}),
		logger: logger,
	}
	router.Handle("/v1/rpc", s.rpc)
	controllers.NewControllerRegistry(rt, n).RegisterAllRoutes(router)
	s.srv = &http.Server{
		Handler:           cors(router),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logpkg.ToStdLogger(logger),
	}
	return s
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Addr returns the bound address once ListenAndServe is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// ListenAndServe serves on addr until ctx is cancelled, then drains open
// websocket connections and shuts the HTTP server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		s.rpc.Close()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		s.rpc.Close()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close stops accepting connections and ends open RPC connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.lis != nil {
		_ = s.lis.Close()
	}
	s.mu.Unlock()
	s.rpc.Close()
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
