// Package node assembles one colla process: the session registry, the merge
// coordinator and the document, presence and server-state services over a
// shared log service, plus the RPC router that exposes them.
package node

import (
	"github.com/google/uuid"

	"github.com/rzbill/colla/internal/auth"
	cfgpkg "github.com/rzbill/colla/internal/config"
	"github.com/rzbill/colla/internal/crdt"
	"github.com/rzbill/colla/internal/docsync"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/merge"
	"github.com/rzbill/colla/internal/namespace"
	"github.com/rzbill/colla/internal/presence"
	"github.com/rzbill/colla/internal/server/rpc"
	"github.com/rzbill/colla/internal/serverstate"
	"github.com/rzbill/colla/internal/session"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Namespaces resolves client supplied namespace names.
type Namespaces interface {
	Namespace(name string) (namespace.Meta, error)
}

// Options for New.
type Options struct {
	// ID names the process in session ids and room logs; random when empty.
	ID       string
	Config   cfgpkg.Config
	Verifier auth.Verifier
	Logger   logpkg.Logger
}

// Node holds the wired services of one process.
type Node struct {
	ID          string
	Log         logservice.Service
	Sessions    *session.Registry
	Rooms       *presence.RoomRegistry
	Coordinator *merge.Coordinator
	Docs        *docsync.Service
	Presence    *presence.Service
	State       *serverstate.Service
	Router      *rpc.Router
	Verifier    auth.Verifier
}

// New wires every service over log.
func New(log logservice.Service, ns Namespaces, opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = auth.New(opts.Config.Auth)
	}
	cfg := opts.Config

	n := &Node{
		ID:       id,
		Log:      log,
		Sessions: session.NewRegistry(id),
		Rooms:    presence.NewRoomRegistry(),
		Verifier: verifier,
	}
	n.Coordinator = merge.New(log, crdt.Automerge{}, merge.Options{
		BatchSize:         cfg.Merge.BatchSize,
		FetchWait:         cfg.Merge.FetchWait(),
		InactiveThreshold: cfg.Consumers.EphemeralInactive(),
		Persist:           cfg.Merge.PersistCheckpoints,
		MaxCommitAttempts: cfg.Merge.MaxCommitAttempts,
		Logger:            logger,
	})
	n.Docs = docsync.New(log, n.Sessions, n.Coordinator, verifier, ns, docsync.Options{
		DurableInactive: cfg.Consumers.DurableInactive(),
		Logger:          logger,
	})
	n.Presence = presence.New(log, n.Sessions, n.Rooms, verifier, ns, presence.Options{
		Node:              id,
		FetchWait:         cfg.Merge.FetchWait(),
		EphemeralInactive: cfg.Consumers.EphemeralInactive(),
		DurableInactive:   cfg.Consumers.DurableInactive(),
		Logger:            logger,
	})
	n.State = serverstate.New(log, n.Sessions, verifier, ns, serverstate.Options{
		Node:            id,
		DurableInactive: cfg.Consumers.DurableInactive(),
		Logger:          logger,
	})
	n.Router = rpc.NewRouter()
	rpc.Register(n.Router, rpc.Services{Docs: n.Docs, Presence: n.Presence, State: n.State})
	return n
}

// Stats reports live session and room counts.
func (n *Node) Stats() map[string]int64 {
	out := map[string]int64{
		"sessions": int64(n.Sessions.Len()),
		"rooms":    int64(n.Rooms.Rooms()),
	}
	for kind, count := range n.Sessions.Counts() {
		out["sessions_"+string(kind)] = int64(count)
	}
	return out
}
