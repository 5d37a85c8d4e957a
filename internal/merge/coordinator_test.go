package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/colla/internal/apierr"
	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/keys"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/logservice/pebblelog"
	"github.com/rzbill/colla/internal/runtime"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// setMerger is a set union over comma separated tokens.
type setMerger struct{}

func (setMerger) Merge(base []byte, updates ...[]byte) ([]byte, error) {
	set := map[string]bool{}
	for _, b := range append([][]byte{base}, updates...) {
		for _, tok := range strings.Split(string(b), ",") {
			if tok != "" {
				set[tok] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return []byte(strings.Join(out, ",")), nil
}

var quiet = logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))

func newLogForTest(t *testing.T) logservice.Service {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	svc, err := pebblelog.New(rt, pebblelog.Options{DurableInactive: time.Minute, Logger: quiet})
	if err != nil {
		t.Fatalf("pebblelog: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newDoc(t *testing.T, svc logservice.Service, name string, payloads ...string) string {
	t.Helper()
	ctx := context.Background()
	key := keys.Document("ns", name)
	if err := svc.EnsureStream(ctx, logservice.StreamConfig{Name: key}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	publish(t, svc, key, payloads...)
	return key
}

func publish(t *testing.T, svc logservice.Service, key string, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		if _, err := svc.Publish(context.Background(), key, []byte(p), "s"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
}

func coordinator(svc logservice.Service, batch int) *Coordinator {
	return New(svc, setMerger{}, Options{BatchSize: batch, FetchWait: 10 * time.Millisecond, Persist: true, Logger: quiet})
}

func TestMergeEmptyDocument(t *testing.T) {
	svc := newLogForTest(t)
	key := newDoc(t, svc, "empty")
	res, err := coordinator(svc, 10).MergeUpToLatest(context.Background(), key)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.Empty() || res.LastSeq != -1 || res.Snapshot != nil {
		t.Fatalf("expected empty result, got %+v", res)
	}

	// A document whose stream was never created is empty as well.
	res, err = coordinator(svc, 10).MergeUpToLatest(context.Background(), keys.Document("ns", "never"))
	if err != nil || res.LastSeq != -1 {
		t.Fatalf("missing stream: %+v %v", res, err)
	}
}

func TestMergeBatchBoundariesDoNotMatter(t *testing.T) {
	var want string
	for _, batch := range []int{1, 2, 3, 7, 1000} {
		t.Run(fmt.Sprintf("batch=%d", batch), func(t *testing.T) {
			svc := newLogForTest(t)
			key := newDoc(t, svc, "d", "a", "b", "c", "a", "d", "e", "f")
			res, err := coordinator(svc, batch).MergeUpToLatest(context.Background(), key)
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			if res.LastSeq != 7 {
				t.Fatalf("last seq %d", res.LastSeq)
			}
			if want == "" {
				want = string(res.Snapshot)
			}
			if string(res.Snapshot) != want || want != "a,b,c,d,e,f" {
				t.Fatalf("snapshot %q want %q", res.Snapshot, want)
			}
		})
	}
}

func TestMergeResumesFromCheckpoint(t *testing.T) {
	svc := newLogForTest(t)
	ctx := context.Background()
	key := newDoc(t, svc, "d", "a", "b")
	c := coordinator(svc, 10)
	if _, err := c.MergeUpToLatest(ctx, key); err != nil {
		t.Fatalf("merge: %v", err)
	}
	stored, err := c.Checkpoint(ctx, key)
	if err != nil || stored.LastSeq != 2 || string(stored.Snapshot) != "a,b" {
		t.Fatalf("stored checkpoint %+v %v", stored, err)
	}

	publish(t, svc, key, "c")
	// Only entries after the checkpoint are fetched.
	counting := &countingMerger{}
	c2 := New(svc, counting, Options{BatchSize: 10, FetchWait: 10 * time.Millisecond, Persist: true, Logger: quiet})
	res, err := c2.MergeUpToLatest(ctx, key)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.LastSeq != 3 || string(res.Snapshot) != "a,b,c" || counting.updates != 1 {
		t.Fatalf("resume: %+v updates=%d", res, counting.updates)
	}
}

type countingMerger struct {
	setMerger
	updates int
}

func (m *countingMerger) Merge(base []byte, updates ...[]byte) ([]byte, error) {
	m.updates += len(updates)
	return m.setMerger.Merge(base, updates...)
}

func TestMergeWithoutPersistLeavesCheckpoint(t *testing.T) {
	svc := newLogForTest(t)
	ctx := context.Background()
	key := newDoc(t, svc, "d", "a")
	c := New(svc, setMerger{}, Options{FetchWait: 10 * time.Millisecond, Logger: quiet})
	if res, err := c.MergeUpToLatest(ctx, key); err != nil || res.LastSeq != 1 {
		t.Fatalf("merge: %+v %v", res, err)
	}
	if stored, err := c.Checkpoint(ctx, key); err != nil || stored.LastSeq != -1 {
		t.Fatalf("checkpoint written without persist: %+v %v", stored, err)
	}
}

// recordingService records every successful checkpoint write.
type recordingService struct {
	logservice.Service
	mu     sync.Mutex
	writes map[uint64]int64
}

func (r *recordingService) KeyValue(ctx context.Context, bucket string) (logservice.KV, error) {
	kv, err := r.Service.KeyValue(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &recordingKV{KV: kv, r: r}, nil
}

type recordingKV struct {
	logservice.KV
	r *recordingService
}

func (k *recordingKV) record(rev uint64, value []byte, err error) {
	if err != nil {
		return
	}
	res, derr := decodeCheckpoint(value)
	if derr != nil {
		return
	}
	k.r.mu.Lock()
	k.r.writes[rev] = res.LastSeq
	k.r.mu.Unlock()
}

func (k *recordingKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.KV.Create(ctx, key, value)
	k.record(rev, value, err)
	return rev, err
}

func (k *recordingKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := k.KV.Update(ctx, key, value, revision)
	k.record(rev, value, err)
	return rev, err
}

func TestConcurrentCoordinatorsNeverRegress(t *testing.T) {
	base := newLogForTest(t)
	svc := &recordingService{Service: base, writes: map[uint64]int64{}}
	ctx := context.Background()
	key := newDoc(t, base, "race")

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			c := coordinator(svc, 2)
			for i := 0; i < 8; i++ {
				if _, err := base.Publish(ctx, key, []byte(fmt.Sprintf("w%di%d", w, i)), "s"); err != nil {
					errs <- err
					return
				}
				if _, err := c.MergeUpToLatest(ctx, key); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker: %v", err)
	}

	revs := make([]uint64, 0, len(svc.writes))
	for rev := range svc.writes {
		revs = append(revs, rev)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	prev := int64(-1)
	for _, rev := range revs {
		if svc.writes[rev] < prev {
			t.Fatalf("checkpoint regressed from %d to %d at rev %d", prev, svc.writes[rev], rev)
		}
		prev = svc.writes[rev]
	}

	final, err := coordinator(svc, 1000).MergeUpToLatest(ctx, key)
	if err != nil {
		t.Fatalf("final merge: %v", err)
	}
	if final.LastSeq != 32 || len(strings.Split(string(final.Snapshot), ",")) != 32 {
		t.Fatalf("final: %d %q", final.LastSeq, final.Snapshot)
	}
}

func TestCommitReturnsFurtherCheckpointOnConflict(t *testing.T) {
	svc := newLogForTest(t)
	ctx := context.Background()
	key := newDoc(t, svc, "d", "a", "b", "c")
	kv, err := svc.KeyValue(ctx, Bucket)
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	if _, err := kv.Create(ctx, keys.Checkpoint(key), encodeCheckpoint(Result{Snapshot: []byte("a,b,c"), LastSeq: 3})); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := coordinator(svc, 10)
	// Pretend this coordinator read before the seed and merged only up to 2.
	got, err := c.commit(ctx, kv, key, Result{Snapshot: []byte("a,b"), LastSeq: 2}, 0)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got.LastSeq != 3 {
		t.Fatalf("expected stored checkpoint to win, got %+v", got)
	}
	stored, _ := c.Checkpoint(ctx, key)
	if stored.LastSeq != 3 {
		t.Fatalf("checkpoint regressed to %d", stored.LastSeq)
	}
}

type failingFetch struct {
	logservice.Service
	deleted bool
}

func (f *failingFetch) Ephemeral(context.Context, logservice.ConsumerConfig) (logservice.Fetcher, error) {
	return brokenFetcher{f}, nil
}

type brokenFetcher struct{ f *failingFetch }

func (brokenFetcher) Fetch(context.Context, int, time.Duration) ([]logservice.Entry, error) {
	return nil, errors.New("log unavailable")
}

func (b brokenFetcher) Delete(context.Context) error {
	b.f.deleted = true
	return nil
}

func TestFetchFailureDeletesConsumer(t *testing.T) {
	svc := newLogForTest(t)
	key := newDoc(t, svc, "d", "a")
	failing := &failingFetch{Service: svc}
	_, err := coordinator(failing, 10).MergeUpToLatest(context.Background(), key)
	if !apierr.Is(err, apierr.Internal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if !failing.deleted {
		t.Fatalf("consumer leaked on fetch failure")
	}
}

func TestCheckpointEncoding(t *testing.T) {
	r, err := decodeCheckpoint(encodeCheckpoint(Result{LastSeq: -1}))
	if err != nil || r.LastSeq != -1 || r.Snapshot != nil {
		t.Fatalf("empty: %+v %v", r, err)
	}
	if _, err := decodeCheckpoint([]byte{1, 2}); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Fatalf("short: %v", err)
	}
}
