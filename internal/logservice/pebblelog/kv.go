package pebblelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/colla/internal/logservice"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
)

// Bucket layout:
//   - kv/{bucket}/rev      last assigned revision
//   - kv/{bucket}/k/{key}  rev_be8 | value

type bucket struct {
	db   *pebblestore.DB
	name string
	mu   *sync.Mutex
}

// KeyValue opens (creating on first use) the named bucket. Writes to one
// bucket are serialized so compare-and-set is exact.
func (s *Service) KeyValue(_ context.Context, name string) (logservice.KV, error) {
	if !validName(name) {
		return nil, fmt.Errorf("pebblelog: invalid bucket name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, logservice.ErrClosed
	}
	mu, ok := s.kvLocks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.kvLocks[name] = mu
	}
	return &bucket{db: s.rt.DB(), name: name, mu: mu}, nil
}

func (b *bucket) revKey() []byte { return []byte("kv/" + b.name + "/rev") }

func (b *bucket) valueKey(key string) []byte { return []byte("kv/" + b.name + "/k/" + key) }

func (b *bucket) Get(_ context.Context, key string) (logservice.KVEntry, error) {
	raw, err := b.db.Get(b.valueKey(key))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return logservice.KVEntry{}, logservice.ErrKeyNotFound
	}
	if err != nil {
		return logservice.KVEntry{}, err
	}
	if len(raw) < 8 {
		return logservice.KVEntry{}, fmt.Errorf("pebblelog: corrupt kv value %s/%s", b.name, key)
	}
	return logservice.KVEntry{Key: key, Revision: binary.BigEndian.Uint64(raw[:8]), Value: raw[8:]}, nil
}

// write stores value under a fresh revision. b.mu is held.
func (b *bucket) write(ctx context.Context, key string, value []byte) (uint64, error) {
	var rev uint64
	if raw, err := b.db.Get(b.revKey()); err == nil && len(raw) >= 8 {
		rev = binary.BigEndian.Uint64(raw)
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return 0, err
	}
	rev++
	var revb [8]byte
	binary.BigEndian.PutUint64(revb[:], rev)

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(b.revKey(), revb[:], nil); err != nil {
		return 0, err
	}
	val := make([]byte, 0, 8+len(value))
	val = append(append(val, revb[:]...), value...)
	if err := batch.Set(b.valueKey(key), val, nil); err != nil {
		return 0, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return 0, err
	}
	return rev, nil
}

func (b *bucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, err := b.db.Has(b.valueKey(key))
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, logservice.ErrKeyExists
	}
	return b.write(ctx, key, value)
}

// Update treats revision 0 as "key must be absent".
func (b *bucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, err := b.Get(ctx, key)
	switch {
	case errors.Is(err, logservice.ErrKeyNotFound):
		if revision != 0 {
			return 0, logservice.ErrWrongRevision
		}
	case err != nil:
		return 0, err
	case cur.Revision != revision:
		return 0, logservice.ErrWrongRevision
	}
	return b.write(ctx, key, value)
}

func (b *bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(ctx, key, value)
}

func (b *bucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Delete(b.valueKey(key))
}
