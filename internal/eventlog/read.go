package eventlog

import (
	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
)

// ReadOptions selects a forward range of entries.
type ReadOptions struct {
	// StartSeq is the first sequence considered (inclusive); 0 means the beginning.
	StartSeq uint64
	// Limit caps the number of returned items; 0 means unlimited.
	Limit int
	// Filter, when set, keeps only entries whose subject it accepts.
	Filter func(subject string) bool
}

// Item is one decoded entry.
type Item struct {
	Seq     uint64
	TimeMs  int64
	Subject string
	Header  []byte
	Payload []byte
}

func itemFromRecord(seq uint64, r Record) Item {
	return Item{Seq: seq, TimeMs: r.TimeMs, Subject: r.Subject, Header: r.Header, Payload: r.Payload}
}

// Read returns up to Limit matching items in sequence order and the sequence
// to resume from. Entries that fail their checksum are skipped.
func (l *Log) Read(opts ReadOptions) ([]Item, uint64, error) {
	next := opts.StartSeq
	if next == 0 {
		next = 1
	}
	prefix := KeyEntryPrefix(l.stream)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, next, err
	}
	defer iter.Close()

	var items []Item
	for ok := iter.SeekGE(KeyEntry(l.stream, next)); ok; ok = iter.Next() {
		if opts.Limit > 0 && len(items) >= opts.Limit {
			break
		}
		seq := seqFromKey(iter.Key())
		next = seq + 1
		rec, valid := DecodeRecord(iter.Value())
		if !valid {
			continue
		}
		if opts.Filter != nil && !opts.Filter(rec.Subject) {
			continue
		}
		items = append(items, itemFromRecord(seq, rec))
	}
	return items, next, iter.Error()
}

// SubjectSeqs lists the retained sequences of one subject in order.
func (l *Log) SubjectSeqs(subject string) ([]uint64, error) {
	var seqs []uint64
	err := l.db.ScanPrefix(KeySubjectPrefix(l.stream, subject), func(k, _ []byte) bool {
		seqs = append(seqs, seqFromKey(k))
		return true
	})
	return seqs, err
}
