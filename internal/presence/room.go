package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// PeerState is what a room knows about one peer.
type PeerState struct {
	PeerID           string          `json:"peerId"`
	Connected        bool            `json:"connected"`
	LastConnected    int64           `json:"lastConnected,omitempty"`
	LastDisconnected int64           `json:"lastDisconnected,omitempty"`
	DynamicState     json.RawMessage `json:"dynamicState,omitempty"`
	FocusState       json.RawMessage `json:"focusState,omitempty"`
	Meta             json.RawMessage `json:"meta,omitempty"`
}

// Listener receives connection transitions of a room. It is called with the
// registry locked and must not call back into the registry.
type Listener func(PeerState)

type room struct {
	peers     map[string]*PeerState
	refs      map[string]int
	listeners map[uint64]Listener
}

// RoomRegistry holds the rooms this process serves: per room, the peers
// connected through local sessions and the local subscribers listening for
// transitions.
type RoomRegistry struct {
	now func() time.Time

	mu     sync.Mutex
	rooms  map[string]*room
	nextID uint64
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{now: time.Now, rooms: make(map[string]*room)}
}

func (r *RoomRegistry) room(key string) *room {
	rm, ok := r.rooms[key]
	if !ok {
		rm = &room{peers: make(map[string]*PeerState), refs: make(map[string]int), listeners: make(map[uint64]Listener)}
		r.rooms[key] = rm
	}
	return rm
}

// gc drops a room nobody is connected to or listening on. Its history lives
// in the room log.
func (r *RoomRegistry) gc(key string, rm *room) {
	if len(rm.listeners) == 0 && len(rm.refs) == 0 {
		delete(r.rooms, key)
	}
}

// Attach registers l and returns the room's current peers. Nothing can
// happen between the snapshot and the registration.
func (r *RoomRegistry) Attach(roomKey string, l Listener) ([]PeerState, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.room(roomKey)
	r.nextID++
	id := r.nextID
	rm.listeners[id] = l
	snapshot := peersOf(rm)
	var once sync.Once
	return snapshot, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(rm.listeners, id)
			r.gc(roomKey, rm)
		})
	}
}

// Connect counts one more session for peerID. It reports true, and notifies
// every listener, only when the peer goes from zero sessions to one.
func (r *RoomRegistry) Connect(roomKey, peerID string, meta json.RawMessage) (PeerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.room(roomKey)
	p, ok := rm.peers[peerID]
	if !ok {
		p = &PeerState{PeerID: peerID}
		rm.peers[peerID] = p
	}
	if len(meta) > 0 {
		p.Meta = meta
	}
	rm.refs[peerID]++
	if rm.refs[peerID] != 1 {
		return *p, false
	}
	p.Connected = true
	p.LastConnected = r.now().UnixMilli()
	notify(rm, *p)
	return *p, true
}

// Disconnect counts one session fewer for peerID. It reports true, and
// notifies every listener, only when the last session goes away.
func (r *RoomRegistry) Disconnect(roomKey, peerID string) (PeerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomKey]
	if !ok || rm.refs[peerID] == 0 {
		return PeerState{}, false
	}
	p := rm.peers[peerID]
	rm.refs[peerID]--
	if rm.refs[peerID] > 0 {
		return *p, false
	}
	delete(rm.refs, peerID)
	p.Connected = false
	p.LastDisconnected = r.now().UnixMilli()
	state := *p
	notify(rm, state)
	r.gc(roomKey, rm)
	return state, true
}

// Peers returns the room's known peers sorted by id.
func (r *RoomRegistry) Peers(roomKey string) []PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomKey]
	if !ok {
		return nil
	}
	return peersOf(rm)
}

// Rooms returns how many rooms are held in memory.
func (r *RoomRegistry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func notify(rm *room, p PeerState) {
	ids := make([]uint64, 0, len(rm.listeners))
	for id := range rm.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rm.listeners[id](p)
	}
}

func peersOf(rm *room) []PeerState {
	out := make([]PeerState, 0, len(rm.peers))
	for _, p := range rm.peers {
		out = append(out, *p)
	}
	sortPeers(out)
	return out
}
