package presence

import "encoding/json"

// Update kinds. Static updates carry connection transitions; dynamic and
// focus updates carry peer state and are last-write-wins.
const (
	TypeInit    = "init"
	TypeStatic  = "static"
	TypeDynamic = "dynamic"
	TypeFocus   = "focus"
)

// RoomMessage is one frame of a room subscription: first the session id,
// then an init frame with every known peer, then live updates.
type RoomMessage struct {
	SessionID string          `json:"sessionId,omitempty"`
	Type      string          `json:"type,omitempty"`
	Peers     []PeerState     `json:"peers,omitempty"`
	Peer      *PeerState      `json:"peer,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	// Client is the session that published a dynamic or focus update.
	Client string `json:"client,omitempty"`
}

// Emit delivers a frame. An error ends the subscription.
type Emit func(RoomMessage) error

// PeerInitRequest completes a room session's handshake.
type PeerInitRequest struct {
	SessionID    string          `json:"sessionId"`
	PeerID       string          `json:"peerId"`
	Token        string          `json:"token"`
	InitialState json.RawMessage `json:"initialState,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// StateUpdate is a dynamic or focus state change.
type StateUpdate struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// UpdateRequest publishes a state change for the session's peer.
type UpdateRequest struct {
	SessionID string      `json:"sessionId"`
	Update    StateUpdate `json:"update"`
}

// logRecord is the payload stored in a room log.
type logRecord struct {
	Type      string          `json:"type"`
	PeerID    string          `json:"peerId"`
	Node      string          `json:"node,omitempty"`
	TimeMs    int64           `json:"ts"`
	Connected bool            `json:"connected,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// apply folds rec into p, last write wins.
func (rec logRecord) apply(p *PeerState) {
	switch rec.Type {
	case TypeStatic:
		p.Connected = rec.Connected
		if rec.Connected {
			p.LastConnected = rec.TimeMs
		} else {
			p.LastDisconnected = rec.TimeMs
		}
		if len(rec.Meta) > 0 {
			p.Meta = rec.Meta
		}
	case TypeDynamic:
		p.DynamicState = rec.State
	case TypeFocus:
		p.FocusState = rec.State
	}
}
