package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"
)

// Doc is a client replica. Local changes are captured as incremental chunks
// that exclude anything applied from remote updates.
type Doc struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// NewDoc returns an empty document.
func NewDoc() *Doc { return &Doc{doc: automerge.New()} }

// LoadDoc restores a document from a save.
func LoadDoc(raw []byte) (*Doc, error) {
	d, err := load(raw)
	if err != nil {
		return nil, err
	}
	d.SaveIncremental()
	return &Doc{doc: d}, nil
}

// Change runs fn against the document, commits it and returns the encoded
// local update. A change that touches nothing returns nil.
func (d *Doc) Change(message string, fn func(*automerge.Doc) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := fn(d.doc); err != nil {
		return nil, err
	}
	if _, err := d.doc.Commit(message); err != nil {
		return nil, fmt.Errorf("crdt: commit: %w", err)
	}
	update := d.doc.SaveIncremental()
	if len(update) == 0 {
		return nil, nil
	}
	return update, nil
}

// Set assigns value at a map key path and returns the encoded update.
func (d *Doc) Set(value any, path ...any) ([]byte, error) {
	return d.Change("set", func(doc *automerge.Doc) error {
		return doc.Path(path...).Set(value)
	})
}

// Apply loads remote updates. They are folded into the incremental baseline
// so the next local update does not resend them.
func (d *Doc) Apply(updates ...[]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := applyAll(d.doc, updates); err != nil {
		return err
	}
	d.doc.SaveIncremental()
	return nil
}

// Save returns the full encoded state.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Heads returns the sorted change hashes at the tip of the document. Two
// documents with equal heads hold the same history.
func (d *Doc) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedHeads(d.doc)
}

// Get returns the Go value at path, or nil if nothing is set there.
func (d *Doc) Get(path ...any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path(path...).Get()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.Interface(), nil
}

// Heads returns the sorted heads of an encoded state.
func Heads(raw []byte) ([]string, error) {
	doc, err := load(raw)
	if err != nil {
		return nil, err
	}
	return sortedHeads(doc), nil
}

func sortedHeads(doc *automerge.Doc) []string {
	hs := doc.Heads()
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}
