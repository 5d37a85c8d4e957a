package controllers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rzbill/colla/internal/apierr"
)

// Helper functions for common HTTP responses

// writeError writes err with the status of its code. Uncoded errors are
// reported as internal without details.
func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(errorResp{Code: code, Error: apierr.MessageOf(err)})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeCreated writes a 201 Created response with the given data.
func writeCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(data)
}

// bearerToken extracts the token of an "Authorization: Bearer" header,
// falling back to the token query parameter.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// wantsBinary reports whether the client asked for the raw encoded state.
func wantsBinary(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/octet-stream")
}
