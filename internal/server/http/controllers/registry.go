package controllers

import (
	"github.com/gorilla/mux"

	"github.com/rzbill/colla/internal/node"
	"github.com/rzbill/colla/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes.
type ControllerRegistry struct {
	general     *GeneralController
	documents   *DocumentsController
	serverState *ServerStateController
}

// NewControllerRegistry creates a new controller registry over the services
// of n.
func NewControllerRegistry(rt *runtime.Runtime, n *node.Node) *ControllerRegistry {
	return &ControllerRegistry{
		general:     NewGeneralController(rt, n),
		documents:   NewDocumentsController(n.Docs),
		serverState: NewServerStateController(n.State, n.Verifier),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
//
// General routes are registered first so the fixed /v1 paths win over the
// namespace-prefixed ones.
func (r *ControllerRegistry) RegisterAllRoutes(router *mux.Router) {
	r.general.RegisterRoutes(router)
	r.documents.RegisterRoutes(router)
	r.serverState.RegisterRoutes(router)
}
