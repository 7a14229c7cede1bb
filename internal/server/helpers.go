// -------------------------------------------------------------------------------
// Helpers - Body Decoding and Response Formatting
//
// Project: Yggdrasil
//
// Utility functions for the server package. Decodes size-limited JSON request
// bodies and writes JSON responses and errors.
// -------------------------------------------------------------------------------

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type errorResponse struct {
	Error string `json:"error"`
}

// decode reads a single JSON document from r into v, enforcing the configured
// body limit. On failure the error response has already been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		err := fmt.Errorf("unsupported content type %q", ct)
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return http.StatusUnsupportedMediaType, err
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return http.StatusRequestEntityTooLarge, err
		}
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return http.StatusBadRequest, err
	}
	return http.StatusOK, nil
}

// writeJSON sends v as a JSON response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Ingress: failed to write response", "error", err)
	}
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}
