package controllers

import (
	"encoding/json"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/namespace"
)

// Common request/response types for HTTP controllers

// errorResp is the body of every failed request.
type errorResp struct {
	Code  apierr.Code `json:"code"`
	Error string      `json:"error"`
}

// nsCreateReq represents a request to create a new namespace.
type nsCreateReq struct {
	Namespace string `json:"namespace"`
}

// nsListResp lists namespaces.
type nsListResp struct {
	Namespaces []namespace.Meta `json:"namespaces"`
}

// healthResp reports process health.
type healthResp struct {
	Status string           `json:"status"`
	Node   string           `json:"node,omitempty"`
	Stats  map[string]int64 `json:"stats,omitempty"`
}

// snapshotResp is the JSON form of a document snapshot.
type snapshotResp struct {
	Snapshot []byte `json:"snapshot"`
	LastSeq  int64  `json:"lastSeq"`
}

// stateValuesResp carries server-state values by key.
type stateValuesResp struct {
	Values map[string]json.RawMessage `json:"values"`
}
