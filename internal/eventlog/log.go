package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
)

// NowMs stamps appended records. Tests override it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// AppendRecord represents a single appendable entry.
type AppendRecord struct {
	Subject string
	Header  []byte
	Payload []byte
}

// Limits bounds what a stream retains. Zero values disable a limit.
type Limits struct {
	MaxPerSubject int
	MaxAge        time.Duration
	MaxBytes      int64
}

// Log provides append-only operations for one stream.
type Log struct {
	db     *pebblestore.DB
	stream string

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
	limits   Limits
	hook     TrimHook
}

// Open initializes a Log and loads the last sequence from metadata (if any).
// Callers that share a stream across goroutines must share the *Log.
func Open(db *pebblestore.DB, stream string) (*Log, error) {
	if stream == "" {
		return nil, errors.New("eventlog: empty stream name")
	}
	l := &Log{db: db, stream: stream, notifyCh: make(chan struct{}), hook: noopHook{}}
	meta, err := db.Get(KeyMeta(stream))
	switch {
	case err == nil && len(meta) >= 8:
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	return l, nil
}

// Stream returns the stream name.
func (l *Log) Stream() string { return l.stream }

// LastSeq returns the highest sequence ever assigned, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// SetLimits replaces the retention limits.
func (l *Log) SetLimits(lim Limits) {
	l.mu.Lock()
	l.limits = lim
	l.mu.Unlock()
}

// Limits returns the current retention limits.
func (l *Log) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// SetTrimHook installs h; nil restores the no-op hook.
func (l *Log) SetTrimHook(h TrimHook) {
	if h == nil {
		h = noopHook{}
	}
	l.mu.Lock()
	l.hook = h
	l.mu.Unlock()
}

// Append appends the records as a single atomic batch and returns their
// sequence numbers. Sequences are only consumed when the batch commits.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	now := NowMs()
	seq := l.lastSeq
	seqs := make([]uint64, len(recs))
	for i, r := range recs {
		seq++
		val := EncodeRecord(Record{TimeMs: now, Subject: r.Subject, Header: r.Header, Payload: r.Payload})
		if err := b.Set(KeyEntry(l.stream, seq), val, nil); err != nil {
			return nil, err
		}
		if r.Subject != "" {
			if err := b.Set(KeySubjectIndex(l.stream, r.Subject, seq), nil, nil); err != nil {
				return nil, err
			}
		}
		seqs[i] = seq
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(KeyMeta(l.stream), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = seq
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})

	if l.limits.MaxPerSubject > 0 {
		seen := make(map[string]struct{}, 1)
		for _, r := range recs {
			if _, ok := seen[r.Subject]; ok || r.Subject == "" {
				continue
			}
			seen[r.Subject] = struct{}{}
			if err := l.trimSubjectLocked(ctx, r.Subject, l.limits.MaxPerSubject); err != nil {
				return seqs, err
			}
		}
	}
	return seqs, nil
}

// Get returns the entry at seq or ErrNotFound.
func (l *Log) Get(seq uint64) (Item, error) {
	raw, err := l.db.Get(KeyEntry(l.stream, seq))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	rec, ok := DecodeRecord(raw)
	if !ok {
		return Item{}, ErrCorrupt
	}
	return itemFromRecord(seq, rec), nil
}

// Destroy removes every key of the stream, cursors included.
func (l *Log) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.DeletePrefix(ctx, KeyStreamPrefix(l.stream)); err != nil {
		return err
	}
	l.lastSeq = 0
	return nil
}

var (
	ErrNotFound = errors.New("eventlog: entry not found")
	ErrCorrupt  = errors.New("eventlog: corrupt record")
)
