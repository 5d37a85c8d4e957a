package controllers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rzbill/colla/internal/docsync"
)

// LastSeqHeader carries the log position of a binary snapshot.
const LastSeqHeader = "Colla-Last-Seq"

// DocumentsController exports compacted document state.
type DocumentsController struct {
	docs *docsync.Service
}

// NewDocumentsController creates a documents controller.
func NewDocumentsController(docs *docsync.Service) *DocumentsController {
	return &DocumentsController{docs: docs}
}

// RegisterRoutes registers document routes with the given router.
func (c *DocumentsController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/{namespace}/documents/{id}", c.handleSnapshot).Methods(http.MethodGet)
}

// handleSnapshot compacts the document and returns its state. Clients
// sending "Accept: application/octet-stream" get the raw encoded document
// with the sequence in the Colla-Last-Seq header; everyone else gets JSON.
func (c *DocumentsController) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := c.docs.Snapshot(r.Context(), vars["namespace"], vars["id"], bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if wantsBinary(r) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(LastSeqHeader, strconv.FormatInt(res.LastSeq, 10))
		_, _ = w.Write(res.Snapshot)
		return
	}
	writeJSON(w, snapshotResp{Snapshot: res.Snapshot, LastSeq: res.LastSeq})
}
