package id

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier.
type ID [16]byte

const maxSequence = 1<<48 - 1

// ErrMalformed is returned by Parse for text that is not a valid ID.
var ErrMalformed = errors.New("id: malformed")

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// Millis returns the embedded timestamp.
func (i ID) Millis() int64 {
	var b [8]byte
	copy(b[2:], i[0:6])
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Node returns the 4-byte node tag.
func (i ID) Node() uint32 { return binary.BigEndian.Uint32(i[6:10]) }

// String returns the 26-character base32 form.
func (i ID) String() string { return encode32(i) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Parse decodes the textual form produced by String.
func Parse(s string) (ID, error) { return decode32(s) }

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	node     uint32
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a Generator whose ids carry a tag derived from node.
func NewGenerator(node string) *Generator {
	h := fnv.New32a()
	_, _ = h.Write([]byte(node))
	return &Generator{node: h.Sum32()}
}

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards it reuses lastMs and
// increments the sequence; if the sequence overflows it waits for the next ms.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence >= maxSequence {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.node, g.sequence)
}

func makeID(ms int64, node uint32, seq uint64) ID {
	var id ID
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ms))
	copy(id[0:6], b[2:])
	binary.BigEndian.PutUint32(id[6:10], node)
	binary.BigEndian.PutUint64(b[:], seq)
	copy(id[10:16], b[2:])
	return id
}

const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// encode32 writes 128 bits as 26 base32 digits, the first carrying 3 bits.
func encode32(id ID) string {
	out := make([]byte, 26)
	hi := binary.BigEndian.Uint64(id[0:8])
	lo := binary.BigEndian.Uint64(id[8:16])
	for i := 25; i >= 0; i-- {
		out[i] = alphabet[lo&0x1f]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(out)
}

func decode32(s string) (ID, error) {
	var id ID
	if len(s) != 26 {
		return id, ErrMalformed
	}
	var hi, lo uint64
	for i := 0; i < 26; i++ {
		v := indexOf(s[i])
		if v < 0 || (i == 0 && v > 7) {
			return id, ErrMalformed
		}
		hi = hi<<5 | lo>>59
		lo = lo<<5 | uint64(v)
	}
	binary.BigEndian.PutUint64(id[0:8], hi)
	binary.BigEndian.PutUint64(id[8:16], lo)
	return id, nil
}

func indexOf(c byte) int {
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] == c {
			return i
		}
	}
	return -1
}
