// Package presence serves room subscriptions: which peers are connected to
// a room and their last-write-wins dynamic and focus state.
//
// Connection transitions are reference counted per process in a
// RoomRegistry and delivered synchronously to local subscribers; they are
// also appended to the room log so other processes learn about them. State
// updates travel only through the room log, which keeps a bounded history
// per peer and update kind.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/auth"
	"github.com/rzbill/colla/internal/keys"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/namespace"
	"github.com/rzbill/colla/internal/session"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Namespaces resolves client supplied namespace names.
type Namespaces interface {
	Namespace(name string) (namespace.Meta, error)
}

// Options tunes the service.
type Options struct {
	// Node identifies this process in room logs.
	Node              string
	FetchWait         time.Duration
	EphemeralInactive time.Duration
	DurableInactive   time.Duration
	Logger            logpkg.Logger
	Now               func() time.Time
}

// Service serves presence subscriptions and mutations.
type Service struct {
	log      logservice.Service
	sessions *session.Registry
	rooms    *RoomRegistry
	verifier auth.Verifier
	ns       Namespaces
	opts     Options
	logger   logpkg.Logger

	inits   sync.Map // session id -> PeerInitRequest
	streams sync.Map
}

// New wires a Service.
func New(log logservice.Service, sessions *session.Registry, rooms *RoomRegistry, verifier auth.Verifier, ns Namespaces, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Node == "" {
		opts.Node = uuid.NewString()
	}
	return &Service{
		log:      log,
		sessions: sessions,
		rooms:    rooms,
		verifier: verifier,
		ns:       ns,
		opts:     opts,
		logger:   logger.With(logpkg.Component("presence")),
	}
}

// Rooms returns the registry the service reports transitions through.
func (s *Service) Rooms() *RoomRegistry { return s.rooms }

func (s *Service) ensureStream(ctx context.Context, roomKey string, history int) error {
	if _, ok := s.streams.Load(roomKey); ok {
		return nil
	}
	cfg := logservice.StreamConfig{
		Name:              roomKey,
		Subjects:          []string{keys.RoomFilter(roomKey)},
		MaxMsgsPerSubject: history,
	}
	if err := s.log.EnsureStream(ctx, cfg); err != nil {
		return apierr.Wrap(apierr.Internal, err, "ensure room stream")
	}
	s.streams.Store(roomKey, struct{}{})
	return nil
}

func (s *Service) append(ctx context.Context, roomKey, origin string, rec logRecord) error {
	if rec.TimeMs == 0 {
		rec.TimeMs = s.opts.Now().UnixMilli()
	}
	rec.Node = s.opts.Node
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.log.Publish(ctx, keys.PeerSubject(roomKey, rec.PeerID, rec.Type), b, origin); err != nil {
		return apierr.Wrap(apierr.Internal, err, "append %s update", rec.Type)
	}
	return nil
}

// RoomUpdates runs one room subscription until ctx ends or emit fails. A
// cancelled subscription returns nil.
func (s *Service) RoomUpdates(ctx context.Context, ns, roomID string, emit Emit) error {
	meta, err := s.ns.Namespace(ns)
	if err != nil {
		return namespace.Coded(err)
	}
	roomKey := keys.Room(meta.Name, roomID)
	sess := s.sessions.Open(session.Presence, meta.Name, roomID, roomKey)
	logger := s.logger.With(logpkg.Str("session", sess.ID), logpkg.Str("room", roomKey))
	defer func() {
		s.inits.Delete(sess.ID)
		s.sessions.Close(sess.ID)
	}()

	if err := emit(RoomMessage{SessionID: sess.ID}); err != nil {
		return err
	}
	if err := sess.WaitReady(ctx); err != nil {
		return nil
	}
	if !sess.Can(auth.Read) {
		return apierr.New(apierr.Forbidden, "read permission required for room %s", roomID)
	}
	if err := s.ensureStream(ctx, roomKey, meta.PresenceHistory); err != nil {
		return err
	}

	var init PeerInitRequest
	if v, ok := s.inits.LoadAndDelete(sess.ID); ok {
		init = v.(PeerInitRequest)
	}
	peer := sess.Peer()
	if peer != "" {
		s.connect(ctx, roomKey, peer, init.Meta, logger)
		defer s.disconnect(roomKey, peer, logger)
		if len(init.InitialState) > 0 && sess.Can(auth.Write) {
			rec := logRecord{Type: TypeDynamic, PeerID: peer, State: init.InitialState}
			if err := s.append(ctx, roomKey, sess.ID, rec); err != nil {
				return err
			}
		}
	}

	history, lastSeq, err := s.replay(ctx, roomKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	box := newMailbox()
	local, detach := s.rooms.Attach(roomKey, func(p PeerState) {
		box.push(RoomMessage{Type: TypeStatic, Peer: &p})
	})
	defer detach()

	if err := emit(RoomMessage{Type: TypeInit, Peers: overlay(history, local)}); err != nil {
		return err
	}
	logger.Debug("presence.live", logpkg.Uint64("last_seq", lastSeq), logpkg.Int("peers", len(history)))

	tctx, cancel := context.WithCancel(ctx)
	tailErr := make(chan error, 1)
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		tailErr <- s.tail(tctx, sess, lastSeq, box)
	}()
	// The tail deletes its consumer on the way out; it must finish before
	// the subscription returns.
	defer func() {
		cancel()
		<-tailDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-tailErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-box.ready():
			for _, m := range box.drain() {
				if err := emit(m); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Service) connect(ctx context.Context, roomKey, peer string, meta json.RawMessage, logger logpkg.Logger) {
	state, changed := s.rooms.Connect(roomKey, peer, meta)
	if !changed {
		return
	}
	logger.Debug("presence.connect", logpkg.Str("peer", peer))
	rec := logRecord{Type: TypeStatic, PeerID: peer, Connected: true, Meta: state.Meta, TimeMs: state.LastConnected}
	if err := s.append(ctx, roomKey, "", rec); err != nil {
		logger.Warn("presence.connect_publish", logpkg.Err(err))
	}
}

func (s *Service) disconnect(roomKey, peer string, logger logpkg.Logger) {
	state, changed := s.rooms.Disconnect(roomKey, peer)
	if !changed {
		return
	}
	logger.Debug("presence.disconnect", logpkg.Str("peer", peer))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := logRecord{Type: TypeStatic, PeerID: peer, Connected: false, TimeMs: state.LastDisconnected}
	if err := s.append(ctx, roomKey, "", rec); err != nil {
		logger.Warn("presence.disconnect_publish", logpkg.Err(err))
	}
}

// replay folds the retained room history into per-peer state.
func (s *Service) replay(ctx context.Context, roomKey string) (map[string]*PeerState, uint64, error) {
	f, err := s.log.Ephemeral(ctx, logservice.ConsumerConfig{
		Stream:            roomKey,
		FilterSubject:     keys.RoomFilter(roomKey),
		Start:             logservice.StartAll(),
		InactiveThreshold: s.opts.EphemeralInactive,
	})
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.Internal, err, "open room replay")
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = f.Delete(dctx)
	}()

	peers := make(map[string]*PeerState)
	var last uint64
	for {
		batch, err := f.Fetch(ctx, 1000, s.opts.FetchWait)
		if err != nil {
			return nil, 0, apierr.Wrap(apierr.Internal, err, "replay room")
		}
		if len(batch) == 0 {
			return peers, last, nil
		}
		for _, e := range batch {
			last = e.Seq
			var rec logRecord
			if err := json.Unmarshal(e.Payload, &rec); err != nil || rec.PeerID == "" {
				continue
			}
			p, ok := peers[rec.PeerID]
			if !ok {
				p = &PeerState{PeerID: rec.PeerID}
				peers[rec.PeerID] = p
			}
			rec.apply(p)
		}
	}
}

// tail relays room log entries after lastSeq into box. Entries this session
// published are skipped, as are connection transitions from this process,
// which reach local subscribers through the registry.
func (s *Service) tail(ctx context.Context, sess *session.Session, lastSeq uint64, box *mailbox) error {
	tailer, err := s.log.Durable(ctx, logservice.ConsumerConfig{
		Stream:            sess.HashedSubjectID,
		FilterSubject:     keys.RoomFilter(sess.HashedSubjectID),
		Start:             logservice.StartAt(lastSeq + 1),
		Name:              "room-" + sess.ID,
		InactiveThreshold: s.opts.DurableInactive,
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "open room consumer")
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tailer.Delete(dctx)
	}()
	for {
		d, err := tailer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, logservice.ErrClosed) {
				return nil
			}
			return apierr.Wrap(apierr.Internal, err, "tail room")
		}
		e := d.Entry()
		var rec logRecord
		if e.Origin != sess.ID && json.Unmarshal(e.Payload, &rec) == nil && rec.PeerID != "" {
			switch rec.Type {
			case TypeStatic:
				if rec.Node != s.opts.Node {
					p := PeerState{PeerID: rec.PeerID}
					rec.apply(&p)
					box.push(RoomMessage{Type: TypeStatic, Peer: &p})
				}
			case TypeDynamic, TypeFocus:
				box.push(RoomMessage{Type: rec.Type, PeerID: rec.PeerID, State: rec.State, Client: e.Origin})
			}
		}
		if err := d.Ack(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apierr.Wrap(apierr.Internal, err, "ack room entry")
		}
	}
}

// overlay lays this process's connection view over the replayed history.
func overlay(history map[string]*PeerState, local []PeerState) []PeerState {
	for _, lp := range local {
		p, ok := history[lp.PeerID]
		if !ok {
			cp := lp
			history[lp.PeerID] = &cp
			continue
		}
		if lp.LastConnected >= p.LastConnected && lp.LastConnected >= p.LastDisconnected {
			p.Connected = lp.Connected
		}
		if lp.Connected {
			p.Connected = true
		}
		p.LastConnected = max(p.LastConnected, lp.LastConnected)
		p.LastDisconnected = max(p.LastDisconnected, lp.LastDisconnected)
		if len(lp.Meta) > 0 {
			p.Meta = lp.Meta
		}
	}
	out := make([]PeerState, 0, len(history))
	for _, p := range history {
		out = append(out, *p)
	}
	sortPeers(out)
	return out
}

// PeerInit completes a room session's handshake, binding it to a peer.
func (s *Service) PeerInit(ctx context.Context, req PeerInitRequest) error {
	if req.PeerID == "" {
		return apierr.New(apierr.BadRequest, "peerId is required")
	}
	sess, err := s.sessions.Require(req.SessionID, session.Presence)
	if err != nil {
		return err
	}
	grant, err := s.verifier.Verify(ctx, req.Token, auth.Resource{Namespace: sess.Namespace, Kind: string(session.Presence), ID: sess.SubjectID})
	if err != nil {
		return apierr.Wrap(apierr.Forbidden, err, "token rejected")
	}
	s.inits.Store(sess.ID, req)
	if _, err := s.sessions.Authorize(sess.ID, session.Presence, grant, req.PeerID); err != nil {
		s.inits.Delete(sess.ID)
		return err
	}
	return nil
}

// Update publishes a dynamic or focus state change for the session's peer.
func (s *Service) Update(ctx context.Context, req UpdateRequest) error {
	if req.Update.Type != TypeDynamic && req.Update.Type != TypeFocus {
		return apierr.New(apierr.BadRequest, "unknown update type %q", req.Update.Type)
	}
	sess, err := s.sessions.RequireReady(req.SessionID, session.Presence)
	if err != nil {
		return err
	}
	if !sess.Can(auth.Write) {
		return apierr.New(apierr.Forbidden, "write permission required for room %s", sess.SubjectID)
	}
	meta, err := s.ns.Namespace(sess.Namespace)
	if err != nil {
		return namespace.Coded(err)
	}
	if meta.PayloadMaxBytes > 0 && len(req.Update.State) > meta.PayloadMaxBytes {
		return apierr.New(apierr.BadRequest, "state of %d bytes exceeds %d", len(req.Update.State), meta.PayloadMaxBytes)
	}
	if err := s.ensureStream(ctx, sess.HashedSubjectID, meta.PresenceHistory); err != nil {
		return err
	}
	rec := logRecord{Type: req.Update.Type, PeerID: sess.Peer(), State: req.Update.State}
	return s.append(ctx, sess.HashedSubjectID, sess.ID, rec)
}
