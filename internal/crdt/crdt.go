// Package crdt adapts automerge to the two roles the sync engine needs: an
// opaque merge function over encoded update blobs for the server, and a
// document handle producing and applying those blobs for clients.
//
// Update blobs are automerge save or incremental-save chunks. Any grouping
// or ordering of them merges into the same document.
package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Merger folds encoded updates into an encoded base state. Implementations
// must be associative and commutative and must treat an empty base as the
// empty document.
type Merger interface {
	Merge(base []byte, updates ...[]byte) ([]byte, error)
}

// Automerge merges automerge chunks.
type Automerge struct{}

var _ Merger = Automerge{}

// Merge loads base, applies every non-empty update and returns the compacted
// save of the result.
func (Automerge) Merge(base []byte, updates ...[]byte) ([]byte, error) {
	doc, err := load(base)
	if err != nil {
		return nil, err
	}
	if err := applyAll(doc, updates); err != nil {
		return nil, err
	}
	return doc.Save(), nil
}

// applyAll loads updates in any order. An update whose dependencies are not
// loaded yet is retried after the others until a pass makes no progress;
// only the updates left then are an error.
func applyAll(doc *automerge.Doc, updates [][]byte) error {
	pending := make([]int, 0, len(updates))
	for i, u := range updates {
		if len(u) > 0 {
			pending = append(pending, i)
		}
	}
	var lastErr error
	for len(pending) > 0 {
		var retry []int
		for _, i := range pending {
			if err := doc.LoadIncremental(updates[i]); err != nil {
				retry = append(retry, i)
				lastErr = err
			}
		}
		if len(retry) == len(pending) {
			return fmt.Errorf("crdt: apply update %d: %w", retry[0], lastErr)
		}
		pending = retry
	}
	return nil
}

func load(raw []byte) (*automerge.Doc, error) {
	if len(raw) == 0 {
		return automerge.New(), nil
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("crdt: load: %w", err)
	}
	return doc, nil
}
