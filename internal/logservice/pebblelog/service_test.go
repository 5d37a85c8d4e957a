package pebblelog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/runtime"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
	logpkg "github.com/rzbill/colla/pkg/log"
)

func newServiceForTest(t *testing.T) (*Service, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	svc, err := New(rt, Options{DurableInactive: time.Minute, Logger: logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, rt
}

func mustStream(t *testing.T, svc *Service, cfg logservice.StreamConfig) {
	t.Helper()
	if err := svc.EnsureStream(context.Background(), cfg); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
}

func TestPublishRoutesBySubject(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	mustStream(t, svc, logservice.StreamConfig{Name: "acme__d1"})
	mustStream(t, svc, logservice.StreamConfig{Name: "acme__r1", Subjects: []string{"acme__r1.>"}})

	if seq, err := svc.Publish(ctx, "acme__d1", []byte("a"), "s1"); err != nil || seq != 1 {
		t.Fatalf("publish doc: %d %v", seq, err)
	}
	if seq, err := svc.Publish(ctx, "acme__r1.p1", []byte("b"), "s2"); err != nil || seq != 1 {
		t.Fatalf("publish room: %d %v", seq, err)
	}
	if _, err := svc.Publish(ctx, "nobody", []byte("c"), ""); !errors.Is(err, logservice.ErrNoStreamForSubject) {
		t.Fatalf("expected no stream error, got %v", err)
	}
	if err := svc.EnsureStream(ctx, logservice.StreamConfig{Name: "acme__d1"}); err != nil {
		t.Fatalf("ensure must be idempotent: %v", err)
	}
}

func TestEphemeralFetchBatchesAndWaits(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	mustStream(t, svc, logservice.StreamConfig{Name: "s"})
	for i := 0; i < 5; i++ {
		if _, err := svc.Publish(ctx, "s", []byte{byte(i)}, "o"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	f, err := svc.Ephemeral(ctx, logservice.ConsumerConfig{Stream: "s", FilterSubject: "s", Start: logservice.StartAt(2)})
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	defer f.Delete(ctx)

	got, err := f.Fetch(ctx, 3, 10*time.Millisecond)
	if err != nil || len(got) != 3 || got[0].Seq != 2 || got[0].Origin != "o" {
		t.Fatalf("first batch: %+v %v", got, err)
	}
	got, _ = f.Fetch(ctx, 3, 10*time.Millisecond)
	if len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("second batch: %+v", got)
	}
	start := time.Now()
	got, err = f.Fetch(ctx, 3, 30*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty batch, got %+v %v", got, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("empty fetch returned before wait elapsed")
	}
	if err := f.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.Fetch(ctx, 1, 0); !errors.Is(err, logservice.ErrConsumerDeleted) {
		t.Fatalf("fetch after delete: %v", err)
	}
}

func TestDurableOneAtATimeAndResume(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	mustStream(t, svc, logservice.StreamConfig{Name: "s"})
	for i := 0; i < 3; i++ {
		_, _ = svc.Publish(ctx, "s", []byte{byte(i)}, "")
	}
	tl, err := svc.Durable(ctx, logservice.ConsumerConfig{Stream: "s", Name: "sess1", Start: logservice.StartAt(1)})
	if err != nil {
		t.Fatalf("durable: %v", err)
	}
	d1, err := tl.Next(ctx)
	if err != nil || d1.Entry().Seq != 1 {
		t.Fatalf("next: %v %v", d1, err)
	}
	again, _ := tl.Next(ctx)
	if again.Entry().Seq != 1 {
		t.Fatalf("unacked entry must be redelivered, got %d", again.Entry().Seq)
	}
	if err := d1.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	d2, _ := tl.Next(ctx)
	if d2.Entry().Seq != 2 {
		t.Fatalf("want seq 2, got %d", d2.Entry().Seq)
	}
	_ = d2.Ack(ctx)

	resumed, err := svc.Durable(ctx, logservice.ConsumerConfig{Stream: "s", Name: "sess1", Start: logservice.StartAt(1)})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	d3, _ := resumed.Next(ctx)
	if d3.Entry().Seq != 3 {
		t.Fatalf("resumed consumer should continue after ack, got %d", d3.Entry().Seq)
	}
	if _, err := tl.Next(ctx); !errors.Is(err, logservice.ErrConsumerDeleted) {
		t.Fatalf("replaced consumer must stop, got %v", err)
	}
}

func TestDurableBlocksUntilPublish(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	mustStream(t, svc, logservice.StreamConfig{Name: "r", Subjects: []string{"r.>"}})
	tl, err := svc.Durable(ctx, logservice.ConsumerConfig{Stream: "r", FilterSubject: "r.>", Name: "c"})
	if err != nil {
		t.Fatalf("durable: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	var got logservice.Entry
	go func() {
		defer wg.Done()
		d, err := tl.Next(ctx)
		if err != nil {
			t.Errorf("next: %v", err)
			return
		}
		got = d.Entry()
	}()
	time.Sleep(20 * time.Millisecond)
	_, _ = svc.Publish(ctx, "r.p1", []byte("x"), "sess")
	wg.Wait()
	if got.Subject != "r.p1" || got.Origin != "sess" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	tl2, _ := svc.Durable(ctx, logservice.ConsumerConfig{Stream: "r", Name: "c2", Start: logservice.StartAt(5)})
	if _, err := tl2.Next(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSweepExpiresIdleConsumers(t *testing.T) {
	svc, rt := newServiceForTest(t)
	ctx := context.Background()
	mustStream(t, svc, logservice.StreamConfig{Name: "s"})
	f, _ := svc.Ephemeral(ctx, logservice.ConsumerConfig{Stream: "s", InactiveThreshold: time.Second})
	tl, _ := svc.Durable(ctx, logservice.ConsumerConfig{Stream: "s", Name: "d", InactiveThreshold: time.Second})

	n, err := svc.Sweep(ctx, time.Now().Add(2*time.Second))
	if err != nil || n != 2 {
		t.Fatalf("sweep: %d %v", n, err)
	}
	if _, err := f.Fetch(ctx, 1, 0); !errors.Is(err, logservice.ErrConsumerDeleted) {
		t.Fatalf("ephemeral should be gone: %v", err)
	}
	if _, err := tl.Next(ctx); !errors.Is(err, logservice.ErrConsumerDeleted) {
		t.Fatalf("durable should be gone: %v", err)
	}
	l, _ := rt.Log("s")
	if _, ok := l.GetCursor("d"); ok {
		t.Fatalf("durable cursor should be deleted")
	}
}

func TestSweepDropsOrphanedCursors(t *testing.T) {
	svc, rt := newServiceForTest(t)
	ctx := context.Background()
	mustStream(t, svc, logservice.StreamConfig{Name: "s"})
	l, _ := rt.Log("s")
	_ = l.CommitCursor("orphan", 1)
	_ = l.TouchCursor("orphan", time.Now().Add(-2*time.Minute).UnixMilli())

	n, err := svc.Sweep(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("sweep: %d %v", n, err)
	}
}

func TestStreamsReloadAfterRestart(t *testing.T) {
	dir := t.TempDir()
	open := func() (*Service, *runtime.Runtime) {
		rt, err := runtime.Open(runtime.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
		if err != nil {
			t.Fatalf("open runtime: %v", err)
		}
		svc, err := New(rt, Options{})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return svc, rt
	}
	svc, rt := open()
	mustStream(t, svc, logservice.StreamConfig{Name: "s", MaxMsgsPerSubject: 1})
	_ = svc.Close()
	_ = rt.Close()

	svc, rt = open()
	defer rt.Close()
	defer svc.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Publish(ctx, "s", []byte{byte(i)}, ""); err != nil {
			t.Fatalf("publish after restart: %v", err)
		}
	}
	f, _ := svc.Ephemeral(ctx, logservice.ConsumerConfig{Stream: "s"})
	got, _ := f.Fetch(ctx, 10, 0)
	if len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("per-subject limit not reloaded: %+v", got)
	}
}

func TestKVSemantics(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	kv, err := svc.KeyValue(ctx, "checkpoints")
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, logservice.ErrKeyNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	r1, err := kv.Create(ctx, "k", []byte("v1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := kv.Create(ctx, "k", []byte("v2")); !errors.Is(err, logservice.ErrKeyExists) {
		t.Fatalf("second create: %v", err)
	}
	if _, err := kv.Update(ctx, "k", []byte("v3"), r1+10); !errors.Is(err, logservice.ErrWrongRevision) {
		t.Fatalf("stale update: %v", err)
	}
	r2, err := kv.Update(ctx, "k", []byte("v3"), r1)
	if err != nil || r2 <= r1 {
		t.Fatalf("update: %d %v", r2, err)
	}
	e, _ := kv.Get(ctx, "k")
	if string(e.Value) != "v3" || e.Revision != r2 {
		t.Fatalf("get: %+v", e)
	}
	if _, err := kv.Update(ctx, "fresh", []byte("x"), 0); err != nil {
		t.Fatalf("update with revision 0 on absent key should create: %v", err)
	}
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestKVCreateRace(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	kv, _ := svc.KeyValue(ctx, "first")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := kv.Create(ctx, "doc", []byte("x")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one create must win, got %d", wins)
	}
}

func TestStartNewSkipsHistory(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	mustStream(t, svc, logservice.StreamConfig{Name: "n"})
	for i := 0; i < 3; i++ {
		if _, err := svc.Publish(ctx, "n", []byte{byte(i)}, ""); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	tl, err := svc.Durable(ctx, logservice.ConsumerConfig{Stream: "n", Name: "fresh", Start: logservice.StartNew()})
	if err != nil {
		t.Fatalf("durable: %v", err)
	}
	if _, err := svc.Publish(ctx, "n", []byte("new"), ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := tl.Next(ctx)
	if err != nil || d.Entry().Seq != 4 {
		t.Fatalf("expected seq 4, got %+v %v", d, err)
	}
}
