package serverrun

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/logservice/natslog"
	"github.com/rzbill/colla/internal/logservice/pebblelog"
	"github.com/rzbill/colla/internal/node"
	"github.com/rzbill/colla/internal/runtime"
	httpserver "github.com/rzbill/colla/internal/server/http"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
	logpkg "github.com/rzbill/colla/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing
var getenv = os.Getenv

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	// NodeID names this process in logs and presence records. Random when
	// empty.
	NodeID string
	// Ready is called with the bound address once the HTTP listener is up.
	Ready func(net.Addr)
}

// processLogger builds the process-wide logger from COLLA_LOG_LEVEL and
// COLLA_LOG_FORMAT; defaults: level=info, format=text.
func processLogger() (logpkg.Logger, *logpkg.Config) {
	cfg := &logpkg.Config{
		Level:  getenvDefault("COLLA_LOG_LEVEL", "info"),
		Format: getenvDefault("COLLA_LOG_FORMAT", "text"),
	}
	logger, err := logpkg.ApplyConfig(cfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Level); e == nil {
			lvl = l
		}
		logger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	return logger, cfg
}

// openLog connects the configured log backend.
func openLog(rt *runtime.Runtime, cfg cfgpkg.Config, logger logpkg.Logger) (logservice.Service, error) {
	switch cfg.Backend.Kind {
	case "", "pebble":
		return pebblelog.New(rt, pebblelog.Options{
			DurableInactive: cfg.Consumers.DurableInactive(),
			Logger:          logger,
		})
	case "nats":
		if cfg.Backend.NATSURL == "" {
			return nil, fmt.Errorf("backend nats requires a url (COLLA_NATS_URL)")
		}
		return natslog.Connect(natslog.Options{URL: cfg.Backend.NATSURL, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown backend %q; use pebble|nats", cfg.Backend.Kind)
	}
}

// Run starts the node and its HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := opts.Config.Validate(); err != nil {
		return err
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	procLogger, logCfg := processLogger()
	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{DataDir: storeDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval, Config: opts.Config})
	if err != nil {
		return err
	}
	defer rt.Close()

	log, err := openLog(rt, opts.Config, procLogger)
	if err != nil {
		return err
	}
	defer log.Close()

	n := node.New(log, rt, node.Options{ID: opts.NodeID, Config: opts.Config, Logger: procLogger})
	hsrv := httpserver.New(rt, n, procLogger)

	l, err := net.Listen("tcp", opts.HTTPAddr)
	if err != nil {
		return err
	}
	procLogger.Info("Starting colla server",
		logpkg.Str("node", n.ID),
		logpkg.Str("http", l.Addr().String()),
		logpkg.Str("backend", opts.Config.Backend.Kind),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)
	if opts.Ready != nil {
		opts.Ready(l.Addr())
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return hsrv.Serve(gctx, l)
	})
	if sw, ok := log.(logservice.Sweeper); ok {
		g.Go(func() error {
			janitor(gctx, sw, opts.Config.Consumers.JanitorInterval(), procLogger.With(logpkg.Component("janitor")))
			return nil
		})
	}
	err = g.Wait()
	procLogger.Info("colla server stopped")
	if sctx.Err() != nil {
		return nil
	}
	return err
}

// janitor sweeps idle consumers and applies retention until ctx ends.
func janitor(ctx context.Context, sw logservice.Sweeper, every time.Duration, logger logpkg.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			removed, err := sw.Sweep(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("sweep failed", logpkg.Err(err))
				}
				continue
			}
			if removed > 0 {
				logger.Debug("swept consumers", logpkg.Int("removed", removed))
			}
		}
	}
}
