package client

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/colla/internal/presence"
	"github.com/rzbill/colla/internal/server/rpc"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// PresenceOptions configures a PresenceSync.
type PresenceOptions struct {
	Namespace string
	RoomID    string
	// PeerID identifies this client in the room; random when empty.
	PeerID       string
	Token        string
	InitialState any
	Meta         any
	BackoffBase  float64
	MaxBackoff   time.Duration
	// OnPeers observes the room after every change. It runs with no lock
	// held.
	OnPeers func([]presence.PeerState)
	Logger  logpkg.Logger
}

// PresenceSync keeps one peer's state published in a room and mirrors the
// state of every other peer.
type PresenceSync struct {
	t      Transport
	opts   PresenceOptions
	logger logpkg.Logger

	dynamic *slot
	focus   *slot

	mu        sync.Mutex
	sessionID string
	ready     chan struct{}
	peers     map[string]presence.PeerState
}

// NewPresence returns a PresenceSync for one room.
func NewPresence(t Transport, opts PresenceOptions) *PresenceSync {
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
	}
	if opts.BackoffBase <= 1 {
		opts.BackoffBase = 2
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	p := &PresenceSync{
		t:      t,
		opts:   opts,
		logger: logger.With(logpkg.Component("presence.client"), logpkg.Str("room", opts.RoomID)),
		ready:  make(chan struct{}),
		peers:  make(map[string]presence.PeerState),
	}
	p.dynamic = newSlot(presence.TypeDynamic)
	p.focus = newSlot(presence.TypeFocus)
	return p
}

// PeerID returns this client's peer id.
func (p *PresenceSync) PeerID() string { return p.opts.PeerID }

// Run keeps the room subscription and the state publishers running until ctx
// is done.
func (p *PresenceSync) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range []*slot{p.dynamic, p.focus} {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			p.publish(ctx, s)
		}(s)
	}
	defer wg.Wait()

	retry := newBackOff(p.opts.BackoffBase, p.opts.MaxBackoff)
	for ctx.Err() == nil {
		err := p.t.Subscribe(ctx, rpc.PathRoomUpdates, rpc.RoomUpdatesInput{
			Namespace: p.opts.Namespace,
			RoomID:    p.opts.RoomID,
		}, func(raw json.RawMessage) error { return p.handle(ctx, raw) })
		p.mu.Lock()
		p.sessionID = ""
		p.ready = make(chan struct{})
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.logger.Warn("room subscription failed", logpkg.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry.NextBackOff()):
		}
	}
	return nil
}

func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (p *PresenceSync) handle(ctx context.Context, raw json.RawMessage) error {
	var msg presence.RoomMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.SessionID != "" {
		return p.init(ctx, msg.SessionID)
	}
	p.mu.Lock()
	switch msg.Type {
	case presence.TypeInit:
		p.peers = make(map[string]presence.PeerState, len(msg.Peers))
		for _, ps := range msg.Peers {
			p.peers[ps.PeerID] = ps
		}
	case presence.TypeStatic:
		if msg.Peer == nil {
			p.mu.Unlock()
			return nil
		}
		cur := p.peers[msg.Peer.PeerID]
		cur.PeerID = msg.Peer.PeerID
		cur.Connected = msg.Peer.Connected
		cur.LastConnected = max(cur.LastConnected, msg.Peer.LastConnected)
		cur.LastDisconnected = max(cur.LastDisconnected, msg.Peer.LastDisconnected)
		if len(msg.Peer.Meta) > 0 {
			cur.Meta = msg.Peer.Meta
		}
		p.peers[cur.PeerID] = cur
	case presence.TypeDynamic, presence.TypeFocus:
		cur := p.peers[msg.PeerID]
		cur.PeerID = msg.PeerID
		if msg.Type == presence.TypeDynamic {
			cur.DynamicState = msg.State
		} else {
			cur.FocusState = msg.State
		}
		p.peers[cur.PeerID] = cur
	default:
		p.mu.Unlock()
		return nil
	}
	snapshot := p.snapshotLocked()
	p.mu.Unlock()
	if p.opts.OnPeers != nil {
		p.opts.OnPeers(snapshot)
	}
	return nil
}

func (p *PresenceSync) init(ctx context.Context, sessionID string) error {
	initial, err := rawJSON(p.opts.InitialState)
	if err != nil {
		return err
	}
	if latest := p.dynamic.latest(); latest != nil {
		initial = latest
	}
	meta, err := rawJSON(p.opts.Meta)
	if err != nil {
		return err
	}
	if err := p.t.Call(ctx, rpc.PathPeerInit, presence.PeerInitRequest{
		SessionID:    sessionID,
		PeerID:       p.opts.PeerID,
		Token:        p.opts.Token,
		InitialState: initial,
		Meta:         meta,
	}, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.sessionID = sessionID
	close(p.ready)
	p.mu.Unlock()
	// Focus has no initial value on the server; resend the last one.
	p.focus.resend()
	return nil
}

func (p *PresenceSync) snapshotLocked() []presence.PeerState {
	out := make([]presence.PeerState, 0, len(p.peers))
	for _, ps := range p.peers {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Peers returns every known peer in id order.
func (p *PresenceSync) Peers() []presence.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// SetDynamic publishes this peer's dynamic state. Only the latest value is
// kept while a publish is in flight or backing off.
func (p *PresenceSync) SetDynamic(state any) error { return p.set(p.dynamic, state) }

// SetFocus publishes this peer's focus state, independently of dynamic
// state.
func (p *PresenceSync) SetFocus(state any) error { return p.set(p.focus, state) }

func (p *PresenceSync) set(s *slot, state any) error {
	raw, err := rawJSON(state)
	if err != nil {
		return err
	}
	if raw == nil {
		return errors.New("client: presence state must not be nil")
	}
	s.store(raw)
	return nil
}

func (p *PresenceSync) session() (string, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID, p.ready
}

// publish sends the latest value of one slot whenever it changes. A failed
// publish is retried with backoff, always with the newest value.
func (p *PresenceSync) publish(ctx context.Context, s *slot) {
	b := newBackOff(p.opts.BackoffBase, p.opts.MaxBackoff)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changed:
		}
		for {
			value, version := s.pending()
			if value == nil {
				break
			}
			sid, ready := p.session()
			if sid == "" {
				// Sent once the next handshake kicks the slot.
				select {
				case <-ctx.Done():
					return
				case <-ready:
				}
				continue
			}
			err := p.t.Call(ctx, rpc.PathPresenceUpdate, presence.UpdateRequest{
				SessionID: sid,
				Update:    presence.StateUpdate{Type: s.kind, State: value},
			}, nil)
			if err == nil {
				b.Reset()
				s.sent(version)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			p.logger.Debug("presence publish failed", logpkg.Str("kind", s.kind), logpkg.Err(err), logpkg.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// slot holds the latest unsent value of one kind of state. Each slot is
// drained by its own publisher so a stuck dynamic publish never delays
// focus updates, and the other way round.
type slot struct {
	kind    string
	changed chan struct{}

	mu      sync.Mutex
	value   json.RawMessage
	version uint64
	acked   uint64
}

func newSlot(kind string) *slot {
	return &slot{kind: kind, changed: make(chan struct{}, 1)}
}

func (s *slot) store(v json.RawMessage) {
	s.mu.Lock()
	s.value = v
	s.version++
	s.mu.Unlock()
	s.kick()
}

func (s *slot) kick() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// resend marks the last stored value unsent again. It bumps the version so
// an ack still in flight for the old session cannot cancel it.
func (s *slot) resend() {
	s.mu.Lock()
	if s.value == nil {
		s.mu.Unlock()
		return
	}
	s.version++
	s.mu.Unlock()
	s.kick()
}

// pending returns the value still to send, nil when the last stored value
// was acknowledged.
func (s *slot) pending() (json.RawMessage, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == s.acked {
		return nil, s.version
	}
	return s.value, s.version
}

func (s *slot) sent(version uint64) {
	s.mu.Lock()
	if version > s.acked {
		s.acked = version
	}
	s.mu.Unlock()
}

// latest returns the last stored value, sent or not.
func (s *slot) latest() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}
