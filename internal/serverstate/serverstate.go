// Package serverstate publishes server-written key/value state to watching
// sessions. Values are written with Put (the HTTP boundary), stored in a KV
// bucket and announced on the namespace's change log. Each process tails
// that log once per namespace, for as long as any local session watches a
// key in it, and routes changes to the watching sessions' handlers.
package serverstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/auth"
	"github.com/rzbill/colla/internal/keys"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/namespace"
	"github.com/rzbill/colla/internal/session"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Bucket holds current server-state values.
const Bucket = "colla-server-state"

// Message types streamed to a server-state subscriber.
const (
	TypeInit    = "init"
	TypeUpdates = "updates"
)

// Message is one frame of a server-state subscription.
type Message struct {
	SessionID string                     `json:"sessionId,omitempty"`
	Type      string                     `json:"type,omitempty"`
	Values    map[string]json.RawMessage `json:"values,omitempty"`
}

// Emit delivers a frame. An error ends the subscription.
type Emit func(Message) error

// WatchRequest adds or removes watched keys for a session.
type WatchRequest struct {
	SessionID string   `json:"sessionId"`
	Keys      []string `json:"keys"`
}

type change struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Namespaces resolves client supplied namespace names.
type Namespaces interface {
	Namespace(name string) (namespace.Meta, error)
}

// Options tunes the service.
type Options struct {
	Node            string
	DurableInactive time.Duration
	Logger          logpkg.Logger
}

// Service serves server-state subscriptions.
type Service struct {
	log      logservice.Service
	sessions *session.Registry
	verifier auth.Verifier
	ns       Namespaces
	opts     Options
	logger   logpkg.Logger

	mu       sync.Mutex
	channels map[string]*channel
}

// channel is the per-namespace watch state of this process.
type channel struct {
	ns string

	// subMu is the acquire/release flag around starting and stopping the
	// shared tail; it is held across the log calls.
	subMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	sessions map[string]mapset.Set[string] // session id -> keys
}

// New wires a Service.
func New(log logservice.Service, sessions *session.Registry, verifier auth.Verifier, ns Namespaces, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	if opts.Node == "" {
		opts.Node = uuid.NewString()
	}
	return &Service{
		log:      log,
		sessions: sessions,
		verifier: verifier,
		ns:       ns,
		opts:     opts,
		logger:   logger.With(logpkg.Component("serverstate")),
		channels: make(map[string]*channel),
	}
}

func (s *Service) channel(ns string) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[ns]
	if !ok {
		ch = &channel{ns: ns, sessions: make(map[string]mapset.Set[string])}
		s.channels[ns] = ch
	}
	return ch
}

func (s *Service) ensureStream(ctx context.Context, meta namespace.Meta) error {
	stream := keys.ServerState(meta.Name)
	cfg := logservice.StreamConfig{Name: stream, Subjects: []string{stream}}
	if meta.ServerStateMaxAgeSec > 0 {
		cfg.MaxAge = time.Duration(meta.ServerStateMaxAgeSec) * time.Second
	}
	if err := s.log.EnsureStream(ctx, cfg); err != nil {
		return apierr.Wrap(apierr.Internal, err, "ensure server-state stream")
	}
	return nil
}

// Put replaces the value of key and announces the change.
func (s *Service) Put(ctx context.Context, ns, key string, value json.RawMessage) error {
	if key == "" {
		return apierr.New(apierr.BadRequest, "key is required")
	}
	if !json.Valid(value) {
		return apierr.New(apierr.BadRequest, "value must be JSON")
	}
	meta, err := s.ns.Namespace(ns)
	if err != nil {
		return namespace.Coded(err)
	}
	if meta.PayloadMaxBytes > 0 && len(value) > meta.PayloadMaxBytes {
		return apierr.New(apierr.BadRequest, "value of %d bytes exceeds %d", len(value), meta.PayloadMaxBytes)
	}
	kv, err := s.log.KeyValue(ctx, Bucket)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "open server-state bucket")
	}
	if _, err := kv.Put(ctx, keys.ServerStateValue(meta.Name, key), value); err != nil {
		return apierr.Wrap(apierr.Internal, err, "store %s", key)
	}
	if err := s.ensureStream(ctx, meta); err != nil {
		return err
	}
	b, err := json.Marshal(change{Key: key, Value: value})
	if err != nil {
		return err
	}
	if _, err := s.log.Publish(ctx, keys.ServerState(meta.Name), b, ""); err != nil {
		return apierr.Wrap(apierr.Internal, err, "announce %s", key)
	}
	return nil
}

// Get returns the current values of keys in ns; missing keys are omitted.
func (s *Service) Get(ctx context.Context, ns string, names []string) (map[string]json.RawMessage, error) {
	kv, err := s.log.KeyValue(ctx, Bucket)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "open server-state bucket")
	}
	out := make(map[string]json.RawMessage, len(names))
	for _, k := range names {
		e, err := kv.Get(ctx, keys.ServerStateValue(ns, k))
		if errors.Is(err, logservice.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "read %s", k)
		}
		out[k] = json.RawMessage(e.Value)
	}
	return out, nil
}

// Subscribe runs one server-state subscription. The token is checked up
// front; the stream carries the session id, an init frame and then updates
// for whatever keys the session watches.
func (s *Service) Subscribe(ctx context.Context, ns, token string, emit Emit) error {
	meta, err := s.ns.Namespace(ns)
	if err != nil {
		return namespace.Coded(err)
	}
	stream := keys.ServerState(meta.Name)
	sess := s.sessions.Open(session.ServerState, meta.Name, "", stream)
	defer func() {
		s.unwatchAll(sess)
		s.sessions.Close(sess.ID)
	}()
	if err := emit(Message{SessionID: sess.ID}); err != nil {
		return err
	}
	grant, err := s.verifier.Verify(ctx, token, auth.Resource{Namespace: meta.Name, Kind: string(session.ServerState)})
	if err != nil {
		return apierr.Wrap(apierr.Forbidden, err, "token rejected")
	}
	if !grant.Has(auth.Read) {
		return apierr.New(apierr.Forbidden, "read permission required for server state")
	}

	box := newInbox()
	if err := s.sessions.SetHandler(sess.ID, func(_ context.Context, msg any) error {
		if values, ok := msg.(map[string]json.RawMessage); ok {
			box.put(values)
		}
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.sessions.Authorize(sess.ID, session.ServerState, grant, ""); err != nil {
		return err
	}
	if err := emit(Message{Type: TypeInit}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-box.ready():
			if values := box.take(); len(values) > 0 {
				if err := emit(Message{Type: TypeUpdates, Values: values}); err != nil {
					return err
				}
			}
		}
	}
}

// WatchKeys adds keys to the session's watch set and returns their current
// values.
func (s *Service) WatchKeys(ctx context.Context, req WatchRequest) (map[string]json.RawMessage, error) {
	sess, err := s.sessions.RequireReady(req.SessionID, session.ServerState)
	if err != nil {
		return nil, err
	}
	ch := s.channel(sess.Namespace)
	ch.mu.Lock()
	set, ok := ch.sessions[sess.ID]
	if !ok {
		set = mapset.NewSet[string]()
		ch.sessions[sess.ID] = set
	}
	set.Append(req.Keys...)
	ch.mu.Unlock()

	if err := s.acquire(ctx, ch); err != nil {
		return nil, err
	}
	return s.Get(ctx, sess.Namespace, req.Keys)
}

// UnwatchKeys removes keys from the session's watch set and returns their
// current values.
func (s *Service) UnwatchKeys(ctx context.Context, req WatchRequest) (map[string]json.RawMessage, error) {
	sess, err := s.sessions.RequireReady(req.SessionID, session.ServerState)
	if err != nil {
		return nil, err
	}
	ch := s.channel(sess.Namespace)
	ch.mu.Lock()
	if set, ok := ch.sessions[sess.ID]; ok {
		set.RemoveAll(req.Keys...)
		if set.Cardinality() == 0 {
			delete(ch.sessions, sess.ID)
		}
	}
	ch.mu.Unlock()
	s.release(ch)
	return s.Get(ctx, sess.Namespace, req.Keys)
}

func (s *Service) unwatchAll(sess *session.Session) {
	ch := s.channel(sess.Namespace)
	ch.mu.Lock()
	_, had := ch.sessions[sess.ID]
	delete(ch.sessions, sess.ID)
	ch.mu.Unlock()
	if had {
		s.release(ch)
	}
}

func (ch *channel) watched() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sessions)
}

// acquire starts the namespace tail unless it is already running.
func (s *Service) acquire(ctx context.Context, ch *channel) error {
	ch.subMu.Lock()
	defer ch.subMu.Unlock()
	if ch.cancel != nil || ch.watched() == 0 {
		return nil
	}
	meta, err := s.ns.Namespace(ch.ns)
	if err != nil {
		return namespace.Coded(err)
	}
	if err := s.ensureStream(ctx, meta); err != nil {
		return err
	}
	tailer, err := s.openTail(ctx, ch.ns)
	if err != nil {
		return err
	}
	tctx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	ch.done = make(chan struct{})
	go s.tail(tctx, ch, tailer, ch.done)
	s.logger.Debug("serverstate.tail_started", logpkg.Str("ns", ch.ns))
	return nil
}

// openTail opens the process's durable consumer on the namespace log.
// Reopening under the same name resumes after the last ack.
func (s *Service) openTail(ctx context.Context, ns string) (logservice.Tailer, error) {
	stream := keys.ServerState(ns)
	tailer, err := s.log.Durable(ctx, logservice.ConsumerConfig{
		Stream:            stream,
		FilterSubject:     stream,
		Start:             logservice.StartNew(),
		Name:              "state-" + keys.Hash(s.opts.Node),
		InactiveThreshold: s.opts.DurableInactive,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "open server-state consumer")
	}
	return tailer, nil
}

// release stops the namespace tail once nobody watches.
func (s *Service) release(ch *channel) {
	ch.subMu.Lock()
	defer ch.subMu.Unlock()
	if ch.cancel == nil || ch.watched() > 0 {
		return
	}
	ch.cancel()
	<-ch.done
	ch.cancel, ch.done = nil, nil
	s.logger.Debug("serverstate.tail_stopped", logpkg.Str("ns", ch.ns))
}

// Tailing reports whether the namespace tail is running.
func (s *Service) Tailing(ns string) bool {
	ch := s.channel(ns)
	ch.subMu.Lock()
	defer ch.subMu.Unlock()
	return ch.cancel != nil
}

// tail routes namespace changes to watchers until ctx is done. A failing
// consumer is reopened with backoff; the tail only stops through release.
func (s *Service) tail(ctx context.Context, ch *channel, tailer logservice.Tailer, done chan struct{}) {
	defer close(done)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tailer.Delete(dctx)
	}()
	retry := newTailBackOff()
	for {
		d, err := tailer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("serverstate.tail", logpkg.Str("ns", ch.ns), logpkg.Err(err))
			next, ok := s.reopen(ctx, ch.ns, retry)
			if !ok {
				return
			}
			tailer = next
			continue
		}
		retry.Reset()
		var c change
		if err := json.Unmarshal(d.Entry().Payload, &c); err == nil {
			s.dispatch(ch, c)
		}
		if err := d.Ack(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("serverstate.ack", logpkg.Err(err))
		}
	}
}

// reopen waits out the backoff and opens a fresh consumer, repeating until
// one opens or ctx is done.
func (s *Service) reopen(ctx context.Context, ns string, retry backoff.BackOff) (logservice.Tailer, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(retry.NextBackOff()):
		}
		tailer, err := s.openTail(ctx, ns)
		if err == nil {
			s.logger.Info("serverstate.tail_reopened", logpkg.Str("ns", ns))
			return tailer, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		s.logger.Warn("serverstate.tail_reopen", logpkg.Str("ns", ns), logpkg.Err(err))
	}
}

func newTailBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// dispatch hands a change to every session watching its key. Handlers only
// queue, so one slow subscriber never holds up the others.
func (s *Service) dispatch(ch *channel, c change) {
	ch.mu.Lock()
	var targets []string
	for id, set := range ch.sessions {
		if set.Contains(c.Key) {
			targets = append(targets, id)
		}
	}
	ch.mu.Unlock()
	for _, id := range targets {
		sess, ok := s.sessions.Get(id)
		if !ok {
			continue
		}
		if h := sess.Handler(); h != nil {
			if err := h(context.Background(), map[string]json.RawMessage{c.Key: c.Value}); err != nil {
				s.logger.Debug("serverstate.handler", logpkg.Str("session", id), logpkg.Err(err))
			}
		}
	}
}

// inbox holds the changes a subscriber has not emitted yet, keeping only the
// newest value per key. put never blocks.
type inbox struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	notify chan struct{}
}

func newInbox() *inbox { return &inbox{notify: make(chan struct{}, 1)} }

func (b *inbox) put(values map[string]json.RawMessage) {
	b.mu.Lock()
	if b.values == nil {
		b.values = make(map[string]json.RawMessage, len(values))
	}
	for k, v := range values {
		b.values[k] = v
	}
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) ready() <-chan struct{} { return b.notify }

func (b *inbox) take() map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.values
	b.values = nil
	return out
}
