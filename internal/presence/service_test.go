package presence

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/auth"
	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/logservice/pebblelog"
	"github.com/rzbill/colla/internal/runtime"
	"github.com/rzbill/colla/internal/session"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
	logpkg "github.com/rzbill/colla/pkg/log"
)

type readOnly struct{}

func (readOnly) Verify(context.Context, string, auth.Resource) (auth.Grant, error) {
	return auth.Grant{Permissions: mapset.NewSet(auth.Read)}, nil
}

func newServiceForTest(t *testing.T, verifier auth.Verifier) (*Service, *session.Registry) {
	t.Helper()
	return newServiceOver(t, verifier, nil)
}

// newServiceOver builds a Service whose log is optionally wrapped.
func newServiceOver(t *testing.T, verifier auth.Verifier, wrap func(logservice.Service) logservice.Service) (*Service, *session.Registry) {
	t.Helper()
	quiet := logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	plog, err := pebblelog.New(rt, pebblelog.Options{DurableInactive: time.Minute, Logger: quiet})
	if err != nil {
		t.Fatalf("pebblelog: %v", err)
	}
	t.Cleanup(func() { _ = plog.Close() })
	var log logservice.Service = plog
	if wrap != nil {
		log = wrap(plog)
	}
	sessions := session.NewRegistry("test")
	svc := New(log, sessions, NewRoomRegistry(), verifier, rt, Options{
		Node:            "node-a",
		FetchWait:       10 * time.Millisecond,
		DurableInactive: time.Minute,
		Logger:          quiet,
	})
	return svc, sessions
}

type roomSub struct {
	msgs   chan RoomMessage
	done   chan error
	exited chan struct{}
	cancel context.CancelFunc
	id     string
}

func join(t *testing.T, svc *Service, room, peer string, initial string) (*roomSub, RoomMessage) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &roomSub{msgs: make(chan RoomMessage, 64), done: make(chan error, 1), exited: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(s.exited)
		s.done <- svc.RoomUpdates(ctx, "acme", room, func(m RoomMessage) error {
			select {
			case s.msgs <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	// Runs before the log and runtime cleanups registered earlier.
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.exited:
		case <-time.After(5 * time.Second):
			t.Errorf("room subscription %s did not exit", room)
		}
	})
	s.id = s.next(t).SessionID
	req := PeerInitRequest{SessionID: s.id, PeerID: peer}
	if initial != "" {
		req.InitialState = json.RawMessage(initial)
	}
	if err := svc.PeerInit(ctx, req); err != nil {
		t.Fatalf("peer init: %v", err)
	}
	init := s.next(t)
	if init.Type != TypeInit {
		t.Fatalf("expected init frame, got %+v", init)
	}
	return s, init
}

func (s *roomSub) next(t *testing.T) RoomMessage {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case err := <-s.done:
		t.Fatalf("subscription ended: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out")
	}
	return RoomMessage{}
}

func (s *roomSub) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-s.msgs:
		t.Fatalf("unexpected frame %+v", m)
	case <-time.After(d):
	}
}

func peerOf(t *testing.T, peers []PeerState, id string) PeerState {
	t.Helper()
	for _, p := range peers {
		if p.PeerID == id {
			return p
		}
	}
	t.Fatalf("peer %s missing from %+v", id, peers)
	return PeerState{}
}

func TestInitShowsLatestState(t *testing.T) {
	svc, _ := newServiceForTest(t, auth.Open{})
	ctx := context.Background()
	s1, init := join(t, svc, "r1", "p1", `{"x":0,"y":0}`)
	if p := peerOf(t, init.Peers, "p1"); !p.Connected || string(p.DynamicState) != `{"x":0,"y":0}` {
		t.Fatalf("own init: %+v", p)
	}
	if err := svc.Update(ctx, UpdateRequest{SessionID: s1.id, Update: StateUpdate{Type: TypeDynamic, State: json.RawMessage(`{"x":5,"y":5}`)}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	s1.quiet(t, 50*time.Millisecond)

	_, init3 := join(t, svc, "r1", "p3", "")
	p := peerOf(t, init3.Peers, "p1")
	if !p.Connected || string(p.DynamicState) != `{"x":5,"y":5}` {
		t.Fatalf("third subscriber sees %+v", p)
	}
}

func TestTransitionsAndUpdatesReachOtherSubscribers(t *testing.T) {
	svc, _ := newServiceForTest(t, auth.Open{})
	ctx := context.Background()
	s1, _ := join(t, svc, "room", "p1", "")

	s2, init2 := join(t, svc, "room", "p2", "")
	if !peerOf(t, init2.Peers, "p1").Connected {
		t.Fatalf("p1 should be connected in p2's init")
	}
	m := s1.next(t)
	if m.Type != TypeStatic || m.Peer.PeerID != "p2" || !m.Peer.Connected {
		t.Fatalf("expected p2 connect, got %+v", m)
	}

	if err := svc.Update(ctx, UpdateRequest{SessionID: s2.id, Update: StateUpdate{Type: TypeFocus, State: json.RawMessage(`"cell-3"`)}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	m = s1.next(t)
	if m.Type != TypeFocus || m.PeerID != "p2" || string(m.State) != `"cell-3"` || m.Client != s2.id {
		t.Fatalf("focus update: %+v", m)
	}
	s2.quiet(t, 50*time.Millisecond)

	s2.cancel()
	m = s1.next(t)
	if m.Type != TypeStatic || m.Peer.PeerID != "p2" || m.Peer.Connected {
		t.Fatalf("expected p2 disconnect, got %+v", m)
	}
	s1.quiet(t, 100*time.Millisecond)
}

func TestSecondSessionOfPeerDoesNotReconnect(t *testing.T) {
	svc, sessions := newServiceForTest(t, auth.Open{})
	s1, _ := join(t, svc, "room", "p1", "")
	tab2, _ := join(t, svc, "room", "p2", "")
	s1.next(t) // p2 connected
	tab3, _ := join(t, svc, "room", "p2", "")
	s1.quiet(t, 50*time.Millisecond)

	tab2.cancel()
	s1.quiet(t, 50*time.Millisecond)
	tab3.cancel()
	if m := s1.next(t); m.Peer == nil || m.Peer.PeerID != "p2" || m.Peer.Connected {
		t.Fatalf("expected single disconnect, got %+v", m)
	}
	deadline := time.Now().Add(time.Second)
	for sessions.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sessions.Len() != 1 {
		t.Fatalf("sessions left: %d", sessions.Len())
	}
}

func TestPresenceErrors(t *testing.T) {
	svc, sessions := newServiceForTest(t, readOnly{})
	ctx := context.Background()
	if err := svc.Update(ctx, UpdateRequest{SessionID: "nope", Update: StateUpdate{Type: TypeDynamic}}); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("missing session: %v", err)
	}
	if err := svc.Update(ctx, UpdateRequest{Update: StateUpdate{Type: "weird"}}); !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("bad type: %v", err)
	}
	doc := sessions.Open(session.Doc, "acme", "d", "h")
	if err := svc.PeerInit(ctx, PeerInitRequest{SessionID: doc.ID, PeerID: "p"}); !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("wrong kind: %v", err)
	}
	s, _ := join(t, svc, "room", "p1", `{"ignored":true}`)
	if err := svc.Update(ctx, UpdateRequest{SessionID: s.id, Update: StateUpdate{Type: TypeDynamic, State: json.RawMessage(`1`)}}); !apierr.Is(err, apierr.Forbidden) {
		t.Fatalf("read-only update: %v", err)
	}
}

// countingLog tracks durable consumers that were opened and not deleted.
type countingLog struct {
	logservice.Service
	open atomic.Int64
}

type countedTailer struct {
	logservice.Tailer
	l *countingLog
}

func (c *countingLog) Durable(ctx context.Context, cfg logservice.ConsumerConfig) (logservice.Tailer, error) {
	t, err := c.Service.Durable(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.open.Add(1)
	return countedTailer{Tailer: t, l: c}, nil
}

func (t countedTailer) Delete(ctx context.Context) error {
	// Give a racing return a chance to be observed.
	time.Sleep(20 * time.Millisecond)
	defer t.l.open.Add(-1)
	return t.Tailer.Delete(ctx)
}

func TestRoomUpdatesReturnsAfterTailCleanup(t *testing.T) {
	counting := &countingLog{}
	svc, _ := newServiceOver(t, auth.Open{}, func(l logservice.Service) logservice.Service {
		counting.Service = l
		return counting
	})
	s, _ := join(t, svc, "room", "p1", "")
	deadline := time.Now().Add(3 * time.Second)
	for counting.open.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := counting.open.Load(); n != 1 {
		t.Fatalf("open tail consumers = %d, want 1", n)
	}
	s.cancel()
	select {
	case err := <-s.done:
		if err != nil {
			t.Fatalf("cancelled subscription returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not end")
	}
	if n := counting.open.Load(); n != 0 {
		t.Fatalf("subscription returned with %d tail consumers still open", n)
	}
}
