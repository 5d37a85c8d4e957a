package rpc

import (
	"context"
	"encoding/json"

	"github.com/rzbill/colla/internal/docsync"
	"github.com/rzbill/colla/internal/presence"
	"github.com/rzbill/colla/internal/serverstate"
)

// Procedure paths.
const (
	PathDocUpdates     = "docUpdates"
	PathDocUpdate      = "docUpdate"
	PathDocToken       = "docToken"
	PathRoomUpdates    = "presence.roomUpdates"
	PathPeerInit       = "presence.peerInit"
	PathPresenceUpdate = "presence.update"
	PathServerState    = "serverState.serverState"
	PathWatchKeys      = "serverState.watchKeys"
	PathUnwatchKeys    = "serverState.unwatchKeys"
)

// DocUpdatesInput opens a document subscription.
type DocUpdatesInput struct {
	Namespace  string `json:"namespace"`
	DocumentID string `json:"documentId"`
}

// RoomUpdatesInput opens a room subscription.
type RoomUpdatesInput struct {
	Namespace string `json:"namespace"`
	RoomID    string `json:"roomId"`
}

// ServerStateInput opens a server-state subscription.
type ServerStateInput struct {
	Namespace string `json:"namespace"`
	Token     string `json:"token"`
}

// Ack is the result of mutations that return nothing else.
type Ack struct {
	OK bool `json:"ok"`
}

// Services are the procedures' backends. Nil services are not registered.
type Services struct {
	Docs     *docsync.Service
	Presence *presence.Service
	State    *serverstate.Service
}

// Register adds every procedure backed by svc to r.
func Register(r *Router, svc Services) {
	if d := svc.Docs; d != nil {
		r.Subscription(PathDocUpdates, TypedStream(func(ctx context.Context, in DocUpdatesInput, send func(docsync.Message) error) error {
			return d.Subscribe(ctx, in.Namespace, in.DocumentID, send)
		}))
		r.Mutation(PathDocUpdate, Typed(func(ctx context.Context, in docsync.PublishRequest) (Ack, error) {
			if err := d.Publish(ctx, in); err != nil {
				return Ack{}, err
			}
			return Ack{OK: true}, nil
		}))
		r.Mutation(PathDocToken, Typed(d.Token))
	}
	if p := svc.Presence; p != nil {
		r.Subscription(PathRoomUpdates, TypedStream(func(ctx context.Context, in RoomUpdatesInput, send func(presence.RoomMessage) error) error {
			return p.RoomUpdates(ctx, in.Namespace, in.RoomID, send)
		}))
		r.Mutation(PathPeerInit, Typed(func(ctx context.Context, in presence.PeerInitRequest) (Ack, error) {
			if err := p.PeerInit(ctx, in); err != nil {
				return Ack{}, err
			}
			return Ack{OK: true}, nil
		}))
		r.Mutation(PathPresenceUpdate, Typed(func(ctx context.Context, in presence.UpdateRequest) (Ack, error) {
			if err := p.Update(ctx, in); err != nil {
				return Ack{}, err
			}
			return Ack{OK: true}, nil
		}))
	}
	if st := svc.State; st != nil {
		r.Subscription(PathServerState, TypedStream(func(ctx context.Context, in ServerStateInput, send func(serverstate.Message) error) error {
			return st.Subscribe(ctx, in.Namespace, in.Token, send)
		}))
		r.Mutation(PathWatchKeys, Typed(func(ctx context.Context, in serverstate.WatchRequest) (map[string]json.RawMessage, error) {
			return st.WatchKeys(ctx, in)
		}))
		r.Mutation(PathUnwatchKeys, Typed(func(ctx context.Context, in serverstate.WatchRequest) (map[string]json.RawMessage, error) {
			return st.UnwatchKeys(ctx, in)
		}))
	}
}
