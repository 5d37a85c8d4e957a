package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/auth"
	"github.com/rzbill/colla/internal/serverstate"
	"github.com/rzbill/colla/internal/session"
)

// maxStateBody caps request bodies before namespace limits apply.
const maxStateBody = 4 << 20

// ServerStateController lets backends write server-state values.
type ServerStateController struct {
	state    *serverstate.Service
	verifier auth.Verifier
}

// NewServerStateController creates a server-state controller.
func NewServerStateController(state *serverstate.Service, verifier auth.Verifier) *ServerStateController {
	return &ServerStateController{state: state, verifier: verifier}
}

// RegisterRoutes registers server-state routes with the given router.
func (c *ServerStateController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/{namespace}/server-state/{key}", c.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/{namespace}/server-state", c.handleGet).Methods(http.MethodGet)
}

func (c *ServerStateController) authorize(r *http.Request, ns string, need auth.Permission) error {
	grant, err := c.verifier.Verify(r.Context(), bearerToken(r), auth.Resource{Namespace: ns, Kind: string(session.ServerState)})
	if err != nil {
		return apierr.Wrap(apierr.Forbidden, err, "token rejected")
	}
	if !grant.Has(need) {
		return apierr.New(apierr.Forbidden, "%s permission required for server state", need)
	}
	return nil
}

// handlePut replaces a value. The body is the JSON value itself.
func (c *ServerStateController) handlePut(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := c.authorize(r, vars["namespace"], auth.Write); err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStateBody))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.BadRequest, err, "read body"))
		return
	}
	if err := c.state.Put(r.Context(), vars["namespace"], vars["key"], json.RawMessage(body)); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

// handleGet returns the values of the comma separated keys parameter.
func (c *ServerStateController) handleGet(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["namespace"]
	if err := c.authorize(r, ns, auth.Read); err != nil {
		writeError(w, err)
		return
	}
	var names []string
	for _, k := range strings.Split(r.URL.Query().Get("keys"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			names = append(names, k)
		}
	}
	values, err := c.state.Get(r.Context(), ns, names)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stateValuesResp{Values: values})
}
