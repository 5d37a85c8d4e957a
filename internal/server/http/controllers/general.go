package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/namespace"
	"github.com/rzbill/colla/internal/node"
	"github.com/rzbill/colla/internal/runtime"
)

// GeneralController handles general HTTP endpoints like health and namespaces.
//
// It provides endpoints for service health monitoring and namespace management
// operations that are not specific to documents or rooms.
type GeneralController struct {
	rt   *runtime.Runtime
	node *node.Node
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime, n *node.Node) *GeneralController {
	return &GeneralController{rt: rt, node: n}
}

// RegisterRoutes registers general routes with the given router.
//
// This method sets up HTTP endpoints for:
// - Health checks (/v1/healthz)
// - Namespace management (/v1/namespaces)
func (c *GeneralController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/healthz", c.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/namespaces", c.handleListNamespaces).Methods(http.MethodGet)
	r.HandleFunc("/v1/namespaces", c.handleNSCreate).Methods(http.MethodPost)
}

// handleHealth returns the health status of the service.
//
// Returns 200 OK with storage and session counters if healthy, 503 Service
// Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResp{Status: "not_serving"})
		return
	}
	stats := c.rt.Stats()
	for k, v := range c.node.Stats() {
		stats[k] = v
	}
	writeJSON(w, healthResp{Status: "ok", Node: c.node.ID, Stats: stats})
}

// handleListNamespaces lists all namespaces.
func (c *GeneralController) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	list, err := c.rt.Namespaces()
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, err, "list namespaces"))
		return
	}
	if list == nil {
		list = []namespace.Meta{}
	}
	writeJSON(w, nsListResp{Namespaces: list})
}

// handleNSCreate creates a namespace.
//
// Expects a JSON body with a "namespace" field. Returns 201 Created with the
// namespace metadata.
func (c *GeneralController) handleNSCreate(w http.ResponseWriter, r *http.Request) {
	var req nsCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.BadRequest, err, "invalid request body"))
		return
	}
	meta, err := c.rt.CreateNamespace(req.Namespace)
	if err != nil {
		writeError(w, namespace.Coded(err))
		return
	}
	writeCreated(w, meta)
}
