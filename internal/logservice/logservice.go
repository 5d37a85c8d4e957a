// Package logservice defines the durable append-log contract colla's sync
// engine consumes: subject-addressed streams with sequence numbers, ephemeral
// batch consumers, one-at-a-time durable consumers with explicit ack, and a
// key-value store with create-if-absent and revision-guarded updates.
//
// Two implementations exist: pebblelog embeds the log in the node's Pebble
// store, natslog maps the contract onto NATS JetStream.
package logservice

import (
	"context"
	"errors"
	"strings"
	"time"
)

// OriginHeader carries the publishing session id on every entry.
const OriginHeader = "Colla-Origin"

var (
	ErrStreamNotFound     = errors.New("logservice: stream not found")
	ErrNoStreamForSubject = errors.New("logservice: no stream bound to subject")
	ErrConsumerDeleted    = errors.New("logservice: consumer deleted")
	ErrKeyNotFound        = errors.New("logservice: key not found")
	ErrKeyExists          = errors.New("logservice: key exists")
	// ErrWrongRevision is the stale-write outcome of KV.Update. It is an
	// expected result under concurrency, not a failure of the service.
	ErrWrongRevision = errors.New("logservice: wrong revision")
	ErrClosed        = errors.New("logservice: closed")
)

// Entry is one committed log entry.
type Entry struct {
	Subject string
	Seq     uint64
	Payload []byte
	// Origin is the session that published the entry, empty when unknown.
	Origin string
}

// StreamConfig declares a stream. Zero limits mean unbounded.
type StreamConfig struct {
	Name              string        `json:"name"`
	Subjects          []string      `json:"subjects"`
	MaxMsgsPerSubject int           `json:"maxMsgsPerSubject"`
	MaxAge            time.Duration `json:"maxAge"`
	MaxBytes          int64         `json:"maxBytes"`
}

// StartPosition selects where a consumer begins.
type StartPosition struct {
	seq     uint64
	newOnly bool
}

// StartAll starts at the first retained entry.
func StartAll() StartPosition { return StartPosition{} }

// StartAt starts at seq (inclusive). Sequences are 1-based; 0 means all.
func StartAt(seq uint64) StartPosition { return StartPosition{seq: seq} }

// StartNew delivers only entries appended after the consumer is created.
func StartNew() StartPosition { return StartPosition{newOnly: true} }

// Seq returns the start sequence, 0 for StartAll and StartNew.
func (p StartPosition) Seq() uint64 { return p.seq }

// NewOnly reports whether the position is StartNew.
func (p StartPosition) NewOnly() bool { return p.newOnly }

// ConsumerConfig configures a consumer on one stream.
type ConsumerConfig struct {
	Stream        string
	FilterSubject string
	Start         StartPosition
	// Name identifies a durable consumer; ignored for ephemeral ones.
	Name string
	// InactiveThreshold expires the consumer after this long without use.
	InactiveThreshold time.Duration
}

// Fetcher is an ephemeral batch consumer.
type Fetcher interface {
	// Fetch returns up to max entries in sequence order, waiting at most wait
	// for the first one. An empty result with a nil error means none arrived.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Entry, error)
	Delete(ctx context.Context) error
}

// Delivery is one entry handed out by a durable consumer.
type Delivery interface {
	Entry() Entry
	Ack(ctx context.Context) error
}

// Tailer is a durable consumer delivering one entry at a time. The next entry
// is not delivered until the previous one is acknowledged.
type Tailer interface {
	Next(ctx context.Context) (Delivery, error)
	Delete(ctx context.Context) error
}

// KVEntry is a stored value and its revision.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KV is a strongly consistent key-value bucket.
type KV interface {
	Get(ctx context.Context, key string) (KVEntry, error)
	// Create stores value only if key is absent, else ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update stores value only if the current revision equals revision,
	// else ErrWrongRevision.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// Service is a durable append-log service.
type Service interface {
	// EnsureStream creates the stream or updates its limits; idempotent.
	EnsureStream(ctx context.Context, cfg StreamConfig) error
	// Publish appends payload to subject tagged with origin and returns its
	// sequence in the owning stream.
	Publish(ctx context.Context, subject string, payload []byte, origin string) (uint64, error)
	Ephemeral(ctx context.Context, cfg ConsumerConfig) (Fetcher, error)
	Durable(ctx context.Context, cfg ConsumerConfig) (Tailer, error)
	KeyValue(ctx context.Context, bucket string) (KV, error)
	Close() error
}

// Sweeper is implemented by backends that expire idle consumers and apply
// retention themselves rather than relying on a server.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MatchSubject reports whether subject matches filter. Tokens are separated
// by '.', "*" matches one token and a trailing ">" matches one or more.
// An empty filter matches everything.
func MatchSubject(filter, subject string) bool {
	if filter == "" || filter == subject {
		return true
	}
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, f := range ft {
		if f == ">" {
			return i == len(ft)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if f != "*" && f != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}
