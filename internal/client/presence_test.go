package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/presence"
	"github.com/rzbill/colla/internal/server/rpc"
)

func peerOf(p *PresenceSync, id string) (presence.PeerState, bool) {
	for _, ps := range p.Peers() {
		if ps.PeerID == id {
			return ps, true
		}
	}
	return presence.PeerState{}, false
}

func presenceOpts(peer string) PresenceOptions {
	return PresenceOptions{Namespace: "default", RoomID: "lobby", PeerID: peer, MaxBackoff: 50 * time.Millisecond, Logger: quiet}
}

func TestPresenceSharesState(t *testing.T) {
	n := newNode(t)
	tr := Local{Router: n.Router}

	optsA := presenceOpts("alice")
	optsA.InitialState = map[string]int{"cursor": 1}
	optsA.Meta = map[string]string{"name": "Alice"}
	a := NewPresence(tr, optsA)
	run(t, a.Run)

	b := NewPresence(tr, presenceOpts("bob"))
	stopB := run(t, b.Run)

	waitFor(t, "b sees alice's initial state", func() bool {
		ps, ok := peerOf(b, "alice")
		return ok && ps.Connected && string(ps.DynamicState) == `{"cursor":1}`
	})
	waitFor(t, "a sees bob", func() bool {
		ps, ok := peerOf(a, "bob")
		return ok && ps.Connected
	})
	if ps, _ := peerOf(b, "alice"); string(ps.Meta) != `{"name":"Alice"}` {
		t.Fatalf("meta = %s", ps.Meta)
	}

	if err := a.SetDynamic(map[string]int{"cursor": 7}); err != nil {
		t.Fatalf("set dynamic: %v", err)
	}
	if err := a.SetFocus(json.RawMessage(`{"field":"title"}`)); err != nil {
		t.Fatalf("set focus: %v", err)
	}
	waitFor(t, "b sees alice's updates", func() bool {
		ps, _ := peerOf(b, "alice")
		return string(ps.DynamicState) == `{"cursor":7}` && string(ps.FocusState) == `{"field":"title"}`
	})

	stopB()
	waitFor(t, "a sees bob leave", func() bool {
		ps, ok := peerOf(a, "bob")
		return ok && !ps.Connected && ps.LastDisconnected > 0
	})
}

func TestPresenceRejectsNilState(t *testing.T) {
	p := NewPresence(Local{}, presenceOpts("x"))
	if err := p.SetDynamic(nil); err == nil {
		t.Fatalf("expected error for nil state")
	}
	if p.PeerID() != "x" {
		t.Fatalf("peer id = %q", p.PeerID())
	}
	if NewPresence(Local{}, PresenceOptions{}).PeerID() == "" {
		t.Fatalf("expected a generated peer id")
	}
}

// stuckDynamic fails every dynamic state update.
type stuckDynamic struct {
	Transport
	failures atomic.Int64
}

func (s *stuckDynamic) Call(ctx context.Context, path string, input, out any) error {
	if req, ok := input.(presence.UpdateRequest); ok && path == rpc.PathPresenceUpdate && req.Update.Type == presence.TypeDynamic {
		s.failures.Add(1)
		return apierr.New(apierr.Internal, "unavailable")
	}
	return s.Transport.Call(ctx, path, input, out)
}

func TestFocusNotBlockedByFailingDynamic(t *testing.T) {
	n := newNode(t)
	local := Local{Router: n.Router}
	tr := &stuckDynamic{Transport: local}

	a := NewPresence(tr, presenceOpts("alice"))
	run(t, a.Run)
	b := NewPresence(local, presenceOpts("bob"))
	run(t, b.Run)

	waitFor(t, "b sees alice", func() bool {
		ps, ok := peerOf(b, "alice")
		return ok && ps.Connected
	})
	if err := a.SetDynamic(map[string]int{"cursor": 3}); err != nil {
		t.Fatalf("set dynamic: %v", err)
	}
	waitFor(t, "dynamic failing", func() bool { return tr.failures.Load() >= 1 })
	if err := a.SetFocus(map[string]string{"field": "body"}); err != nil {
		t.Fatalf("set focus: %v", err)
	}
	waitFor(t, "b sees focus", func() bool {
		ps, _ := peerOf(b, "alice")
		return string(ps.FocusState) == `{"field":"body"}`
	})
	if ps, _ := peerOf(b, "alice"); len(ps.DynamicState) != 0 {
		t.Fatalf("dynamic state leaked through: %s", ps.DynamicState)
	}
}

// reconnecting ends the room subscription whenever drop is signalled and
// records the session of every focus update it forwards.
type reconnecting struct {
	Transport
	drop chan struct{}

	mu            sync.Mutex
	focusSessions []string
}

func (r *reconnecting) Subscribe(ctx context.Context, path string, input any, handle func(json.RawMessage) error) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.drop:
			cancel()
		case <-sctx.Done():
		}
	}()
	err := r.Transport.Subscribe(sctx, path, input, handle)
	if ctx.Err() == nil && sctx.Err() != nil {
		return errors.New("connection dropped")
	}
	return err
}

func (r *reconnecting) Call(ctx context.Context, path string, input, out any) error {
	err := r.Transport.Call(ctx, path, input, out)
	if req, ok := input.(presence.UpdateRequest); ok && err == nil && req.Update.Type == presence.TypeFocus {
		r.mu.Lock()
		r.focusSessions = append(r.focusSessions, req.SessionID)
		r.mu.Unlock()
	}
	return err
}

func (r *reconnecting) sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.focusSessions...)
}

func TestFocusResentAfterReconnect(t *testing.T) {
	n := newNode(t)
	tr := &reconnecting{Transport: Local{Router: n.Router}, drop: make(chan struct{})}
	a := NewPresence(tr, presenceOpts("alice"))
	run(t, a.Run)

	waitFor(t, "handshake", func() bool {
		sid, _ := a.session()
		return sid != ""
	})
	if err := a.SetFocus(map[string]string{"field": "title"}); err != nil {
		t.Fatalf("set focus: %v", err)
	}
	waitFor(t, "focus sent", func() bool { return len(tr.sessions()) == 1 })

	select {
	case tr.drop <- struct{}{}:
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription not running")
	}
	waitFor(t, "focus sent on the new session", func() bool {
		got := tr.sessions()
		return len(got) >= 2 && got[len(got)-1] != got[0]
	})
}
