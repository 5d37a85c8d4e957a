// Package session tracks the live subscriptions a server process owns. A
// session is created when a subscription starts, gains permissions when the
// client completes its handshake and is removed when the subscription ends.
//
// The Registry is process local and passed explicitly to every service that
// needs it.
package session

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/auth"
	"github.com/rzbill/colla/pkg/id"
)

// Kind is the subscription type a session belongs to.
type Kind string

const (
	Doc         Kind = "doc"
	Presence    Kind = "presence"
	ServerState Kind = "server-state"
)

// Handler receives messages routed to a session by other components of the
// same process.
type Handler func(ctx context.Context, msg any) error

// Session is one live subscription.
type Session struct {
	ID              string
	Kind            Kind
	Namespace       string
	SubjectID       string
	HashedSubjectID string

	ready chan struct{}

	mu          sync.Mutex
	authorized  bool
	handshaking bool
	subject     string
	peer        string
	perms       mapset.Set[auth.Permission]
	handler     Handler
}

// Ready is closed once the handshake has completed.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// WaitReady blocks until the handshake completes or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Authorized reports whether the handshake has completed.
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// BeginHandshake claims the session's single handshake. It fails with
// CONFLICT once the handshake completed or while another one is running.
// The returned release must be called when the attempt ends, whether or not
// Authorize succeeded.
func (s *Session) BeginHandshake() (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorized {
		return nil, apierr.New(apierr.Conflict, "session %s already completed its handshake", s.ID)
	}
	if s.handshaking {
		return nil, apierr.New(apierr.Conflict, "session %s has a handshake in progress", s.ID)
	}
	s.handshaking = true
	return func() {
		s.mu.Lock()
		s.handshaking = false
		s.mu.Unlock()
	}, nil
}

// Can reports whether the session holds p.
func (s *Session) Can(p auth.Permission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms != nil && s.perms.Contains(p)
}

// Permissions returns a copy of the session's permission set.
func (s *Session) Permissions() mapset.Set[auth.Permission] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perms == nil {
		return mapset.NewSet[auth.Permission]()
	}
	return s.perms.Clone()
}

// Subject is the authenticated principal, empty before the handshake.
func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// Peer is the presence peer id bound at handshake.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Handler returns the registered handler, nil if none.
func (s *Session) Handler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Registry is the table of sessions opened by this process.
type Registry struct {
	ids *id.Generator

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. node distinguishes session ids
// minted by different processes.
func NewRegistry(node string) *Registry {
	return &Registry{ids: id.NewGenerator(node), sessions: make(map[string]*Session)}
}

// Open allocates a session.
func (r *Registry) Open(kind Kind, ns, subjectID, hashedSubjectID string) *Session {
	s := &Session{
		ID:              r.ids.Next().String(),
		Kind:            kind,
		Namespace:       ns,
		SubjectID:       subjectID,
		HashedSubjectID: hashedSubjectID,
		ready:           make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// IsLocal reports whether id was opened by this process and is still live.
func (r *Registry) IsLocal(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Require returns the session with id if it exists and is of kind.
func (r *Registry) Require(id string, kind Kind) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "session %s not found", id)
	}
	if s.Kind != kind {
		return nil, apierr.New(apierr.Conflict, "session %s is a %s session, not %s", id, s.Kind, kind)
	}
	return s, nil
}

// RequireReady is Require plus a completed handshake.
func (r *Registry) RequireReady(id string, kind Kind) (*Session, error) {
	s, err := r.Require(id, kind)
	if err != nil {
		return nil, err
	}
	if !s.Authorized() {
		return nil, apierr.New(apierr.PreconditionFailed, "session %s has not completed its handshake", id)
	}
	return s, nil
}

// Authorize completes the handshake of session id: it attaches the grant and
// optional presence peer and releases anything blocked in WaitReady. A
// session can be authorized once.
func (r *Registry) Authorize(id string, kind Kind, grant auth.Grant, peer string) (*Session, error) {
	s, err := r.Require(id, kind)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorized {
		return nil, apierr.New(apierr.Conflict, "session %s already completed its handshake", id)
	}
	s.authorized = true
	s.subject = grant.Subject
	s.peer = peer
	if grant.Permissions != nil {
		s.perms = grant.Permissions.Clone()
	} else {
		s.perms = mapset.NewSet[auth.Permission]()
	}
	close(s.ready)
	return s, nil
}

// SetHandler registers h on session id.
func (r *Registry) SetHandler(id string, h Handler) error {
	s, ok := r.Get(id)
	if !ok {
		return apierr.New(apierr.NotFound, "session %s not found", id)
	}
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	return nil
}

// Close removes session id. It reports whether the session existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.handler = nil
		s.mu.Unlock()
	}
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Counts returns live sessions per kind.
func (r *Registry) Counts() map[Kind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Kind]int)
	for _, s := range r.sessions {
		out[s.Kind]++
	}
	return out
}
