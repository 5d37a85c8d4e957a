package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/rzbill/colla/internal/apierr"
	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/logservice/pebblelog"
	"github.com/rzbill/colla/internal/node"
	"github.com/rzbill/colla/internal/runtime"
	"github.com/rzbill/colla/internal/server/rpc"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
	logpkg "github.com/rzbill/colla/pkg/log"
)

var quiet = logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))

func newNode(t *testing.T) *node.Node {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Merge.FetchWaitMs = 10
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	log, err := pebblelog.New(rt, pebblelog.Options{DurableInactive: time.Minute, Logger: quiet})
	if err != nil {
		t.Fatalf("pebblelog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return node.New(log, rt, node.Options{Config: cfg, Logger: quiet})
}

// serve exposes a fresh node over websocket and returns its rpc url.
func serve(t *testing.T) string {
	t.Helper()
	n := newNode(t)
	srv := rpc.NewServer(n.Router, rpc.Options{Logger: quiet})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

// run starts fn in the background and stops it when the test ends.
func run(t *testing.T, fn func(context.Context) error) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fn(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("run did not stop")
		}
	})
	return cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func replicaOpts(doc string) ReplicaOptions {
	return ReplicaOptions{Namespace: "default", DocumentID: doc, MaxBackoff: 50 * time.Millisecond, Logger: quiet}
}

func sameHeads(a, b *Replica) bool {
	ha, hb := a.Heads(), b.Heads()
	if len(ha) == 0 || len(ha) != len(hb) {
		return false
	}
	for i := range ha {
		if ha[i] != hb[i] {
			return false
		}
	}
	return true
}

func valueIs(r *Replica, want any, path ...any) func() bool {
	return func() bool {
		v, err := r.Get(path...)
		return err == nil && v == want
	}
}

func TestReplicasConverge(t *testing.T) {
	n := newNode(t)
	tr := Local{Router: n.Router}

	var mu sync.Mutex
	var events []Event
	optsA := replicaOpts("notes")
	optsA.OnChange = func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	a := NewReplica(tr, optsA)
	if err := a.Set("hello", "title"); err != nil {
		t.Fatalf("set: %v", err)
	}
	run(t, a.Run)
	waitFor(t, "a synced", a.Synced)
	waitFor(t, "a queue flushed", func() bool { return a.Pending() == 0 })

	b := NewReplica(tr, replicaOpts("notes"))
	run(t, b.Run)
	waitFor(t, "b synced", b.Synced)
	waitFor(t, "b sees title", valueIs(b, "hello", "title"))

	if err := b.Set("world", "body"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "a sees body", valueIs(a, "world", "body"))
	waitFor(t, "heads converge", func() bool { return sameHeads(a, b) })

	mu.Lock()
	defer mu.Unlock()
	var sawLocal, sawSync, sawUpdate bool
	for _, ev := range events {
		switch ev.Origin {
		case OriginLocal:
			sawLocal = true
		case OriginRemoteSync:
			sawSync = true
		case OriginRemoteUpdate:
			if ev.Client == b.SessionID() && ev.LastSeq >= 1 {
				sawUpdate = true
			}
		}
	}
	if !sawLocal || !sawSync || !sawUpdate {
		t.Fatalf("events local=%v sync=%v update=%v: %+v", sawLocal, sawSync, sawUpdate, events)
	}
}

func TestFirstWriteLoserAdoptsWinner(t *testing.T) {
	n := newNode(t)
	tr := Local{Router: n.Router}

	a := NewReplica(tr, replicaOpts("race"))
	b := NewReplica(tr, replicaOpts("race"))
	if err := a.Set(int64(1), "a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Set(int64(1), "b"); err != nil {
		t.Fatalf("set: %v", err)
	}
	run(t, a.Run)
	run(t, b.Run)

	waitFor(t, "both synced", func() bool { return a.Synced() && b.Synced() })
	waitFor(t, "heads converge", func() bool { return sameHeads(a, b) })
	waitFor(t, "queues empty", func() bool { return a.Pending() == 0 && b.Pending() == 0 })

	va, _ := a.Get("a")
	vb, _ := a.Get("b")
	if (va == nil) == (vb == nil) {
		t.Fatalf("want exactly one initial state, got a=%v b=%v", va, vb)
	}
	for _, r := range []*Replica{a, b} {
		ra, _ := r.Get("a")
		rb, _ := r.Get("b")
		if ra != va || rb != vb {
			t.Fatalf("replicas disagree: a=%v/%v b=%v/%v", va, vb, ra, rb)
		}
	}
}

// flaky fails document publishes while failing is set.
type flaky struct {
	Transport
	failing  atomic.Bool
	failures atomic.Int64
}

func (f *flaky) Call(ctx context.Context, path string, input, out any) error {
	if path == rpc.PathDocUpdate && f.failing.Load() {
		f.failures.Add(1)
		return apierr.New(apierr.Internal, "log unavailable")
	}
	return f.Transport.Call(ctx, path, input, out)
}

func TestPublishRetriesWithoutDropping(t *testing.T) {
	n := newNode(t)
	tr := &flaky{Transport: Local{Router: n.Router}}

	a := NewReplica(tr, replicaOpts("retry"))
	run(t, a.Run)
	waitFor(t, "a synced", a.Synced)

	tr.failing.Store(true)
	if err := a.Set("kept", "title"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "two failed publishes", func() bool { return tr.failures.Load() >= 2 })
	if got := a.Pending(); got != 1 {
		t.Fatalf("pending after failures = %d, want 1", got)
	}

	tr.failing.Store(false)
	waitFor(t, "queue flushed", func() bool { return a.Pending() == 0 })

	b := NewReplica(tr, replicaOpts("retry"))
	run(t, b.Run)
	waitFor(t, "b sees title", valueIs(b, "kept", "title"))
}

func TestQueueCoalescesPastMax(t *testing.T) {
	n := newNode(t)
	tr := &flaky{Transport: Local{Router: n.Router}}

	opts := replicaOpts("bulk")
	opts.QueueMax = 4
	a := NewReplica(tr, opts)
	run(t, a.Run)
	waitFor(t, "a synced", a.Synced)

	tr.failing.Store(true)
	fields := []string{"f0", "f1", "f2", "f3", "f4", "f5"}
	for i, f := range fields {
		if err := a.Change("edit", func(d *automerge.Doc) error { return d.Path(f).Set(int64(i)) }); err != nil {
			t.Fatalf("change %d: %v", i, err)
		}
	}
	// The fifth edit folds the queue into one update; the sixth follows it.
	if got := a.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	tr.failing.Store(false)
	waitFor(t, "queue flushed", func() bool { return a.Pending() == 0 })

	b := NewReplica(tr, replicaOpts("bulk"))
	run(t, b.Run)
	waitFor(t, "heads converge", func() bool { return sameHeads(a, b) })
	for i, f := range fields {
		if v, _ := b.Get(f); v != int64(i) {
			t.Fatalf("%s = %v, want %d", f, v, i)
		}
	}
}

func TestReplicaOverWebsocket(t *testing.T) {
	url := serve(t)
	ctx := context.Background()

	dial := func() *WS {
		ws, err := Dial(ctx, url, WSOptions{Logger: quiet})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	}

	a := NewReplica(dial(), replicaOpts("remote"))
	if err := a.Set("draft", "title"); err != nil {
		t.Fatalf("set: %v", err)
	}
	run(t, a.Run)
	waitFor(t, "a synced", a.Synced)

	b := NewReplica(dial(), replicaOpts("remote"))
	run(t, b.Run)
	waitFor(t, "b sees title", valueIs(b, "draft", "title"))

	if err := b.Set("final", "title"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "a sees edit", valueIs(a, "final", "title"))
}

func TestWebsocketCallErrorsKeepCode(t *testing.T) {
	url := serve(t)
	ws, err := Dial(context.Background(), url, WSOptions{Logger: quiet})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	err = ws.Call(context.Background(), rpc.PathDocUpdate, json.RawMessage(`{"sessionId":"nope"}`), nil)
	if code := apierr.CodeOf(err); code != apierr.NotFound {
		t.Fatalf("code = %s (%v), want NOT_FOUND", code, err)
	}
	err = ws.Call(context.Background(), "missing.path", nil, nil)
	if code := apierr.CodeOf(err); code != apierr.NotFound {
		t.Fatalf("code = %s (%v), want NOT_FOUND", code, err)
	}
}
