package eventlog

import "encoding/binary"

var (
	logPrefix  = []byte("log/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
	subjectSeg = []byte("/s/")
	cursorSeg  = []byte("/c/")
	activeSeg  = []byte("/a/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyStreamPrefix returns the prefix under which every key of stream lives.
func KeyStreamPrefix(stream string) []byte {
	k := make([]byte, 0, len(logPrefix)+len(stream)+1)
	k = append(k, logPrefix...)
	k = append(k, stream...)
	return append(k, '/')
}

func streamKey(stream string, seg []byte, extra int) []byte {
	k := make([]byte, 0, len(logPrefix)+len(stream)+len(seg)+extra)
	k = append(k, logPrefix...)
	k = append(k, stream...)
	return append(k, seg...)
}

// KeyMeta builds the stream metadata key.
func KeyMeta(stream string) []byte { return streamKey(stream, metaSuffix, 0) }

// KeyEntryPrefix is the common prefix of every entry key of stream.
func KeyEntryPrefix(stream string) []byte { return streamKey(stream, entrySeg, 8) }

// KeyEntry builds the entry key with a big-endian sequence for ordering.
func KeyEntry(stream string, seq uint64) []byte {
	return appendBE8(KeyEntryPrefix(stream), seq)
}

// KeySubjectPrefix is the index prefix for one subject.
func KeySubjectPrefix(stream, subject string) []byte {
	k := streamKey(stream, subjectSeg, len(subject)+9)
	k = append(k, subject...)
	return append(k, 0)
}

// KeySubjectIndex builds the index key pointing at seq for subject.
func KeySubjectIndex(stream, subject string, seq uint64) []byte {
	return appendBE8(KeySubjectPrefix(stream, subject), seq)
}

// KeyCursorPrefix is the common prefix of every cursor key of stream.
func KeyCursorPrefix(stream string) []byte { return streamKey(stream, cursorSeg, 16) }

// KeyCursor builds the durable cursor key for a consumer.
func KeyCursor(stream, consumer string) []byte {
	return append(KeyCursorPrefix(stream), consumer...)
}

// KeyActivity builds the key holding a consumer's last activity time (ms).
func KeyActivity(stream, consumer string) []byte {
	k := streamKey(stream, activeSeg, len(consumer))
	return append(k, consumer...)
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
