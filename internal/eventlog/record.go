package eventlog

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is the stored form of one entry.
type Record struct {
	TimeMs  int64
	Subject string
	Header  []byte
	Payload []byte
}

// EncodeRecord serializes r with a trailing crc32c.
func EncodeRecord(r Record) []byte {
	out := make([]byte, 0, 8+2*binary.MaxVarintLen64+len(r.Subject)+len(r.Header)+len(r.Payload)+4)
	out = appendBE8(out, uint64(r.TimeMs))
	out = binary.AppendUvarint(out, uint64(len(r.Subject)))
	out = append(out, r.Subject...)
	out = binary.AppendUvarint(out, uint64(len(r.Header)))
	out = append(out, r.Header...)
	out = append(out, r.Payload...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

// DecodeRecord parses b, copying every slice. ok is false on truncation or
// checksum mismatch.
func DecodeRecord(b []byte) (Record, bool) {
	if len(b) < 8+2+4 {
		return Record{}, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Record{}, false
	}
	r := Record{TimeMs: int64(binary.BigEndian.Uint64(body[:8]))}
	rest := body[8:]

	slen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < slen {
		return Record{}, false
	}
	r.Subject = string(rest[n : n+int(slen)])
	rest = rest[n+int(slen):]

	hlen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < hlen {
		return Record{}, false
	}
	r.Header = append([]byte(nil), rest[n:n+int(hlen)]...)
	r.Payload = append([]byte(nil), rest[n+int(hlen):]...)
	return r, true
}
