// Package merge compacts a document's update log into a checkpoint: the
// merged snapshot of every entry up to a sequence. Checkpoints are stored in
// a KV bucket under optimistic concurrency so any number of coordinators on
// any number of processes can compact the same document.
package merge

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/crdt"
	"github.com/rzbill/colla/internal/keys"
	"github.com/rzbill/colla/internal/logservice"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Bucket is the KV bucket holding checkpoints and first-write markers.
const Bucket = "colla-documents"

// Options tunes a Coordinator.
type Options struct {
	BatchSize int
	FetchWait time.Duration
	// InactiveThreshold expires the compaction consumer if the coordinator
	// dies mid-merge.
	InactiveThreshold time.Duration
	// Persist writes the advanced checkpoint back to the KV bucket.
	Persist bool
	// MaxCommitAttempts bounds checkpoint writes that keep losing races to
	// checkpoints behind this one.
	MaxCommitAttempts int
	Logger            logpkg.Logger
}

// Coordinator folds a document's log into its checkpoint.
type Coordinator struct {
	log    logservice.Service
	merger crdt.Merger
	opts   Options
	logger logpkg.Logger
}

// New returns a Coordinator reading from log and merging with merger.
func New(log logservice.Service, merger crdt.Merger, opts Options) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 200 * time.Millisecond
	}
	if opts.MaxCommitAttempts <= 0 {
		opts.MaxCommitAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &Coordinator{log: log, merger: merger, opts: opts, logger: logger.With(logpkg.Component("merge"))}
}

// Checkpoint returns the stored checkpoint of docKey without merging.
func (c *Coordinator) Checkpoint(ctx context.Context, docKey string) (Result, error) {
	kv, err := c.log.KeyValue(ctx, Bucket)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Internal, err, "open checkpoint bucket")
	}
	r, _, err := c.read(ctx, kv, docKey)
	return r, err
}

// MergeUpToLatest returns the merge of every entry currently in docKey's
// log, advancing the stored checkpoint when Persist is set.
func (c *Coordinator) MergeUpToLatest(ctx context.Context, docKey string) (Result, error) {
	kv, err := c.log.KeyValue(ctx, Bucket)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Internal, err, "open checkpoint bucket")
	}
	base, rev, err := c.read(ctx, kv, docKey)
	if err != nil {
		return Result{}, err
	}
	res, err := c.fold(ctx, docKey, base)
	if err != nil {
		return Result{}, err
	}
	if !c.opts.Persist || res.LastSeq == base.LastSeq {
		return res, nil
	}
	return c.commit(ctx, kv, docKey, res, rev)
}

func (c *Coordinator) read(ctx context.Context, kv logservice.KV, docKey string) (Result, uint64, error) {
	e, err := kv.Get(ctx, keys.Checkpoint(docKey))
	if errors.Is(err, logservice.ErrKeyNotFound) {
		return Result{LastSeq: -1}, 0, nil
	}
	if err != nil {
		return Result{}, 0, apierr.Wrap(apierr.Internal, err, "read checkpoint")
	}
	r, err := decodeCheckpoint(e.Value)
	if err != nil {
		return Result{}, 0, apierr.Wrap(apierr.Internal, err, "decode checkpoint of %s", docKey)
	}
	return r, e.Revision, nil
}

// fold merges every entry after base.LastSeq into base.
func (c *Coordinator) fold(ctx context.Context, docKey string, base Result) (Result, error) {
	start := logservice.StartAll()
	if base.LastSeq >= 0 {
		start = logservice.StartAt(uint64(base.LastSeq) + 1)
	}
	f, err := c.log.Ephemeral(ctx, logservice.ConsumerConfig{
		Stream:            docKey,
		FilterSubject:     docKey,
		Start:             start,
		InactiveThreshold: c.opts.InactiveThreshold,
	})
	if errors.Is(err, logservice.ErrStreamNotFound) {
		return base, nil
	}
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Internal, err, "open compaction consumer")
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := f.Delete(dctx); err != nil {
			c.logger.Warn("merge.consumer_delete", logpkg.Str("doc", docKey), logpkg.Err(err))
		}
	}()

	res := base
	batches := 0
	for {
		batch, err := f.Fetch(ctx, c.opts.BatchSize, c.opts.FetchWait)
		if err != nil {
			return Result{}, apierr.Wrap(apierr.Internal, err, "fetch %s", docKey)
		}
		if len(batch) == 0 {
			break
		}
		payloads := make([][]byte, 0, len(batch))
		last := res.LastSeq
		for _, e := range batch {
			if int64(e.Seq) <= last {
				continue
			}
			payloads = append(payloads, e.Payload)
			last = int64(e.Seq)
		}
		if len(payloads) == 0 {
			continue
		}
		snap, err := c.merger.Merge(res.Snapshot, payloads...)
		if err != nil {
			return Result{}, apierr.Wrap(apierr.Internal, err, "merge %s through %d", docKey, last)
		}
		res = Result{Snapshot: snap, LastSeq: last}
		batches++
	}
	if batches > 0 {
		c.logger.Debug("merge.folded",
			logpkg.Str("doc", docKey),
			logpkg.Int64("from", base.LastSeq),
			logpkg.Int64("to", res.LastSeq),
			logpkg.Int("batches", batches))
	}
	return res, nil
}

// commit stores res unless a checkpoint at least as far is already stored.
// A lost race is re-read, never reported.
func (c *Coordinator) commit(ctx context.Context, kv logservice.KV, docKey string, res Result, rev uint64) (Result, error) {
	key := keys.Checkpoint(docKey)
	value := encodeCheckpoint(res)
	for attempt := 0; attempt < c.opts.MaxCommitAttempts; attempt++ {
		var err error
		if rev == 0 {
			_, err = kv.Create(ctx, key, value)
		} else {
			_, err = kv.Update(ctx, key, value, rev)
		}
		switch {
		case err == nil:
			c.logger.Debug("merge.checkpoint", logpkg.Str("doc", docKey), logpkg.Int64("last_seq", res.LastSeq))
			return res, nil
		case errors.Is(err, logservice.ErrKeyExists), errors.Is(err, logservice.ErrWrongRevision):
		default:
			return Result{}, apierr.Wrap(apierr.Internal, err, "write checkpoint")
		}

		stored, storedRev, err := c.read(ctx, kv, docKey)
		if err != nil {
			return Result{}, err
		}
		if stored.LastSeq >= res.LastSeq {
			return stored, nil
		}
		rev = storedRev
	}
	c.logger.Debug("merge.checkpoint_skipped", logpkg.Str("doc", docKey), logpkg.Int64("last_seq", res.LastSeq))
	return res, nil
}
