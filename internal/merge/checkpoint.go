package merge

import (
	"encoding/binary"
	"errors"
)

var ErrCorruptCheckpoint = errors.New("merge: corrupt checkpoint")

// Result is a compacted document state: the merge of every entry with
// sequence <= LastSeq. LastSeq is -1 when no entry has been merged.
type Result struct {
	Snapshot []byte
	LastSeq  int64
}

// Empty reports whether no entry has been merged.
func (r Result) Empty() bool { return r.LastSeq < 0 }

// encodeCheckpoint writes [8B big-endian lastSeq][snapshot].
func encodeCheckpoint(r Result) []byte {
	out := make([]byte, 8+len(r.Snapshot))
	binary.BigEndian.PutUint64(out, uint64(r.LastSeq))
	copy(out[8:], r.Snapshot)
	return out
}

func decodeCheckpoint(b []byte) (Result, error) {
	if len(b) < 8 {
		return Result{}, ErrCorruptCheckpoint
	}
	r := Result{LastSeq: int64(binary.BigEndian.Uint64(b))}
	if r.LastSeq < -1 {
		return Result{}, ErrCorruptCheckpoint
	}
	if len(b) > 8 {
		r.Snapshot = append([]byte(nil), b[8:]...)
	}
	return r, nil
}
