package eventlog

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
)

const defaultTrimBatch = 1024

// trimSubjectLocked keeps the newest max entries of subject. l.mu is held.
func (l *Log) trimSubjectLocked(ctx context.Context, subject string, max int) error {
	seqs, err := l.SubjectSeqs(subject)
	if err != nil || len(seqs) <= max {
		return err
	}
	drop := seqs[:len(seqs)-max]
	b := l.db.NewBatch()
	defer b.Close()
	for _, seq := range drop {
		if err := b.Delete(KeyEntry(l.stream, seq), nil); err != nil {
			return err
		}
		if err := b.Delete(KeySubjectIndex(l.stream, subject, seq), nil); err != nil {
			return err
		}
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	l.hook.OnTrim(l.stream, drop[0], drop[len(drop)-1], len(drop))
	return nil
}

// trimWhile deletes entries from the oldest forward while drop returns true,
// committing batches of up to batchLimit keys with an optional throttle.
func (l *Log) trimWhile(ctx context.Context, batchLimit int, throttle time.Duration, drop func(valLen int, rec Record) bool) (int, uint64, error) {
	if batchLimit <= 0 {
		batchLimit = defaultTrimBatch
	}
	prefix := KeyEntryPrefix(l.stream)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()

	deleted := 0
	var lastSeq uint64
	for ok := iter.First(); ok; {
		if err := ctx.Err(); err != nil {
			return deleted, lastSeq, err
		}
		b := l.db.NewBatch()
		n := 0
		var minSeq uint64
		for ok && n < batchLimit {
			rec, valid := DecodeRecord(iter.Value())
			if valid && !drop(len(iter.Value()), rec) {
				ok = false
				break
			}
			seq := seqFromKey(iter.Key())
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, lastSeq, err
			}
			if valid && rec.Subject != "" {
				if err := b.Delete(KeySubjectIndex(l.stream, rec.Subject, seq), nil); err != nil {
					b.Close()
					return deleted, lastSeq, err
				}
			}
			if n == 0 {
				minSeq = seq
			}
			n++
			lastSeq = seq
			ok = iter.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		if err := l.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return deleted, lastSeq, err
		}
		b.Close()
		deleted += n
		hook.OnTrim(l.stream, minSeq, lastSeq, n)
		if throttle > 0 && ok {
			time.Sleep(throttle)
		}
	}
	return deleted, lastSeq, nil
}

// TrimOlderThan deletes entries stamped before cutoffMs. It returns the number
// of deleted entries and the last deleted sequence (0 if none).
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int, throttle time.Duration) (int, uint64, error) {
	return l.trimWhile(ctx, batchLimit, throttle, func(_ int, rec Record) bool {
		return rec.TimeMs < cutoffMs
	})
}

// TrimToMaxBytes deletes the oldest entries until the stored values total at
// most maxBytes.
func (l *Log) TrimToMaxBytes(ctx context.Context, maxBytes int64, batchLimit int, throttle time.Duration) (int, error) {
	if maxBytes < 0 {
		return 0, nil
	}
	total, err := l.SizeBytes()
	if err != nil || total <= maxBytes {
		return 0, err
	}
	n, _, err := l.trimWhile(ctx, batchLimit, throttle, func(valLen int, _ Record) bool {
		if total <= maxBytes {
			return false
		}
		total -= int64(valLen)
		return true
	})
	return n, err
}

// SizeBytes sums the stored entry values.
func (l *Log) SizeBytes() (int64, error) {
	var total int64
	err := l.db.ScanPrefix(KeyEntryPrefix(l.stream), func(_, v []byte) bool {
		total += int64(len(v))
		return true
	})
	return total, err
}

// Enforce applies the age and byte limits. Per-subject limits are applied on
// append.
func (l *Log) Enforce(ctx context.Context) (int, error) {
	lim := l.Limits()
	deleted := 0
	if lim.MaxAge > 0 {
		n, _, err := l.TrimOlderThan(ctx, NowMs()-lim.MaxAge.Milliseconds(), 0, 0)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	if lim.MaxBytes > 0 {
		n, err := l.TrimToMaxBytes(ctx, lim.MaxBytes, 0, 0)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
