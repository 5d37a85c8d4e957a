package presence

import (
	"sort"
	"sync"
)

// mailbox is an unbounded FIFO that never blocks the pusher, so registry
// listeners can run under the registry lock.
type mailbox struct {
	mu     sync.Mutex
	items  []RoomMessage
	notify chan struct{}
}

func newMailbox() *mailbox { return &mailbox{notify: make(chan struct{}, 1)} }

func (m *mailbox) push(msg RoomMessage) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) ready() <-chan struct{} { return m.notify }

func (m *mailbox) drain() []RoomMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

func sortPeers(ps []PeerState) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].PeerID < ps[j].PeerID })
}
