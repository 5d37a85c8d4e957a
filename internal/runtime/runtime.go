package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/eventlog"
	"github.com/rzbill/colla/internal/namespace"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Runtime wires storage, config and the shared stream logs of one node.
type Runtime struct {
	db       *pebblestore.DB
	config   cfgpkg.Config
	policy   *namespace.Policy
	counters *pebblestore.Counters

	mu   sync.Mutex
	logs map[string]*eventlog.Log
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	policy, err := namespace.NewPolicy(opts.Config)
	if err != nil {
		return nil, err
	}
	counters := &pebblestore.Counters{}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       counters,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{
		db:       db,
		config:   opts.Config,
		policy:   policy,
		counters: counters,
		logs:     make(map[string]*eventlog.Log),
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Namespace resolves a namespace under the configured policy.
func (r *Runtime) Namespace(name string) (namespace.Meta, error) {
	return r.policy.Resolve(r.db, name)
}

// CreateNamespace creates name explicitly.
func (r *Runtime) CreateNamespace(name string) (namespace.Meta, error) {
	return r.policy.Create(r.db, name)
}

// Namespaces lists every namespace.
func (r *Runtime) Namespaces() ([]namespace.Meta, error) {
	return namespace.List(r.db)
}

// Log returns the shared Log for stream, opening it on first use. Every
// caller of one stream gets the same *Log so appends wake all tailers.
func (r *Runtime) Log(stream string) (*eventlog.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[stream]; ok {
		return l, nil
	}
	l, err := eventlog.Open(r.db, stream)
	if err != nil {
		return nil, err
	}
	r.logs[stream] = l
	return l, nil
}

// Logs returns the open logs in stream order.
func (r *Runtime) Logs() []*eventlog.Log {
	r.mu.Lock()
	out := make([]*eventlog.Log, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Stream() < out[j].Stream() })
	return out
}

// Stats reports storage counters and the number of open logs.
func (r *Runtime) Stats() map[string]int64 {
	s := r.counters.Snapshot()
	r.mu.Lock()
	s["open_logs"] = int64(len(r.logs))
	r.mu.Unlock()
	return s
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
