package rpc_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/crdt"
	"github.com/rzbill/colla/internal/docsync"
	"github.com/rzbill/colla/internal/logservice/pebblelog"
	"github.com/rzbill/colla/internal/node"
	"github.com/rzbill/colla/internal/runtime"
	"github.com/rzbill/colla/internal/server/rpc"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
	logpkg "github.com/rzbill/colla/pkg/log"
)

func startNode(t *testing.T) string {
	t.Helper()
	quiet := logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))
	cfg := cfgpkg.Default()
	cfg.Merge.FetchWaitMs = 10
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	log, err := pebblelog.New(rt, pebblelog.Options{DurableInactive: time.Minute, Logger: quiet})
	if err != nil {
		t.Fatalf("pebblelog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	n := node.New(log, rt, node.Options{Config: cfg, Logger: quiet})
	srv := rpc.NewServer(n.Router, rpc.Options{Logger: quiet})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

type peer struct {
	ws      *websocket.Conn
	frames  chan rpc.Response
	pending map[string][]rpc.Response
}

func connect(t *testing.T, url string) *peer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	p := &peer{ws: ws, frames: make(chan rpc.Response, 64), pending: make(map[string][]rpc.Response)}
	go func() {
		defer close(p.frames)
		for {
			var resp rpc.Response
			if err := ws.ReadJSON(&resp); err != nil {
				return
			}
			p.frames <- resp
		}
	}()
	return p
}

func (p *peer) call(t *testing.T, id, method, path string, input any) {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := p.ws.WriteJSON(rpc.Request{ID: id, Method: method, Path: path, Input: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// recv returns the next frame for id. Frames for other ids are kept for
// later calls.
func (p *peer) recv(t *testing.T, id string) rpc.Response {
	t.Helper()
	if q := p.pending[id]; len(q) > 0 {
		p.pending[id] = q[1:]
		return q[0]
	}
	for {
		select {
		case resp, ok := <-p.frames:
			if !ok {
				t.Fatalf("connection closed waiting for %s", id)
			}
			if resp.ID == id {
				return resp
			}
			p.pending[resp.ID] = append(p.pending[resp.ID], resp)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", id)
		}
	}
}

func (p *peer) expect(t *testing.T, id, typ string, out any) {
	t.Helper()
	resp := p.recv(t, id)
	if resp.Type == rpc.TypeError && typ != rpc.TypeError {
		t.Fatalf("%s failed: %+v", id, resp.Error)
	}
	if resp.Type != typ {
		t.Fatalf("%s: got %s want %s", id, resp.Type, typ)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			t.Fatalf("decode %s: %v", id, err)
		}
	}
}

func TestDocumentRoundTripOverWebsocket(t *testing.T) {
	url := startNode(t)
	a := connect(t, url)
	b := connect(t, url)

	doc := crdt.NewDoc()
	first, err := doc.Set("hello", "title")
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	a.call(t, "sub", rpc.MethodSubscription, rpc.PathDocUpdates, rpc.DocUpdatesInput{Namespace: "default", DocumentID: "d1"})
	var hello docsync.Message
	a.expect(t, "sub", rpc.TypeData, &hello)
	if hello.SessionID == "" {
		t.Fatalf("missing session id")
	}
	a.call(t, "tok", rpc.MethodMutation, rpc.PathDocToken, docsync.TokenRequest{SessionID: hello.SessionID, FirstUpdate: first})
	var tok docsync.TokenResponse
	a.expect(t, "tok", rpc.TypeResult, &tok)
	if !tok.HasWrittenFirstUpdate {
		t.Fatalf("first writer lost")
	}
	var syncA docsync.Message
	a.expect(t, "sub", rpc.TypeData, &syncA)
	// The winning first write is appended before replay starts.
	if syncA.Type != docsync.TypeSync || syncA.LastSeq == nil || *syncA.LastSeq != 1 {
		t.Fatalf("sync for a: %+v", syncA)
	}

	b.call(t, "sub", rpc.MethodSubscription, rpc.PathDocUpdates, rpc.DocUpdatesInput{Namespace: "default", DocumentID: "d1"})
	var helloB docsync.Message
	b.expect(t, "sub", rpc.TypeData, &helloB)
	b.call(t, "tok", rpc.MethodMutation, rpc.PathDocToken, docsync.TokenRequest{SessionID: helloB.SessionID})
	b.expect(t, "tok", rpc.TypeResult, nil)
	var syncB docsync.Message
	b.expect(t, "sub", rpc.TypeData, &syncB)
	if syncB.Type != docsync.TypeSync || syncB.LastSeq == nil || *syncB.LastSeq != 1 {
		t.Fatalf("sync for b: %+v", syncB)
	}
	replica := crdt.NewDoc()
	if err := replica.Apply(syncB.Updates...); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := replica.Get("title"); got != "hello" {
		t.Fatalf("title: %v", got)
	}

	edit, err := replica.Set("world", "title")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	b.call(t, "pub", rpc.MethodMutation, rpc.PathDocUpdate, docsync.PublishRequest{SessionID: helloB.SessionID, EncodedUpdates: [][]byte{edit}})
	var ack rpc.Ack
	b.expect(t, "pub", rpc.TypeResult, &ack)
	if !ack.OK {
		t.Fatalf("publish not acknowledged")
	}

	var upd docsync.Message
	a.expect(t, "sub", rpc.TypeData, &upd)
	if upd.Type != docsync.TypeUpdate || upd.Client != helloB.SessionID {
		t.Fatalf("update for a: %+v", upd)
	}

	a.call(t, "sub", rpc.MethodStop, "", nil)
	a.expect(t, "sub", rpc.TypeStopped, nil)
}

func TestHandshakeErrorsAreCoded(t *testing.T) {
	url := startNode(t)
	p := connect(t, url)
	p.call(t, "tok", rpc.MethodMutation, rpc.PathDocToken, docsync.TokenRequest{SessionID: "missing"})
	p.expect(t, "tok", rpc.TypeError, nil)

	p.call(t, "pub", rpc.MethodMutation, rpc.PathDocUpdate, docsync.PublishRequest{SessionID: "missing"})
	p.expect(t, "pub", rpc.TypeError, nil)
}
