package eventlog

import (
	"bytes"
	"context"
	"encoding/binary"
)

// CommitCursor stores the last acknowledged sequence for a consumer. Commits
// lower than or equal to the stored value are ignored.
func (l *Log) CommitCursor(consumer string, seq uint64) error {
	key := KeyCursor(l.stream, consumer)
	cur, err := l.db.Get(key)
	if err == nil && len(cur) >= 8 && seq <= binary.BigEndian.Uint64(cur[:8]) {
		return nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return l.db.Set(key, b[:])
}

// GetCursor loads the acknowledged sequence for a consumer.
func (l *Log) GetCursor(consumer string) (uint64, bool) {
	cur, err := l.db.Get(KeyCursor(l.stream, consumer))
	if err != nil || len(cur) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(cur[:8]), true
}

// TouchCursor records consumer activity at ms.
func (l *Log) TouchCursor(consumer string, ms int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ms))
	return l.db.Set(KeyActivity(l.stream, consumer), b[:])
}

// DeleteCursor drops the cursor and activity rows of a consumer.
func (l *Log) DeleteCursor(ctx context.Context, consumer string) error {
	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Delete(KeyCursor(l.stream, consumer), nil); err != nil {
		return err
	}
	if err := b.Delete(KeyActivity(l.stream, consumer), nil); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

// CursorInfo describes one persisted consumer.
type CursorInfo struct {
	Consumer     string
	AckSeq       uint64
	LastActiveMs int64
}

// Cursors lists every consumer with a persisted cursor.
func (l *Log) Cursors() ([]CursorInfo, error) {
	prefix := KeyCursorPrefix(l.stream)
	var out []CursorInfo
	err := l.db.ScanPrefix(prefix, func(k, v []byte) bool {
		if len(v) < 8 {
			return true
		}
		out = append(out, CursorInfo{Consumer: string(bytes.TrimPrefix(k, prefix)), AckSeq: binary.BigEndian.Uint64(v[:8])})
		return true
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		if v, err := l.db.Get(KeyActivity(l.stream, out[i].Consumer)); err == nil && len(v) >= 8 {
			out[i].LastActiveMs = int64(binary.BigEndian.Uint64(v[:8]))
		}
	}
	return out, nil
}
