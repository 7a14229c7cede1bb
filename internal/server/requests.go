package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kb-dk/Yggdrasil-sub000/internal/handler"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

var (
	errQueueFull = errors.New("queue full")
	errMissingID = errors.New("request id is required")
)

// preservationBody is the JSON shape of a preservation request. Metadata is
// carried as a string so XML documents can be posted without extra encoding.
type preservationBody struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Model      string `json:"model"`
	Metadata   string `json:"metadata"`
	ContentURI string `json:"content_uri,omitempty"`
	FileID     string `json:"file_id,omitempty"`
	Update     bool   `json:"update,omitempty"`
}

func (b preservationBody) request() model.PreservationRequest {
	return model.PreservationRequest{
		ID:         strings.TrimSpace(b.ID),
		Collection: b.Collection,
		Model:      b.Model,
		Metadata:   []byte(b.Metadata),
		ContentURI: b.ContentURI,
		FileID:     b.FileID,
		Update:     b.Update,
	}
}

type acceptedResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
	QueueSize  int    `json:"queue_size"`
	Store      string `json:"store,omitempty"`
}

// handlePreservation queues a preservation request. Only the request id is
// checked here; every other problem is reported through the request's
// lifecycle once the consumer picks it up.
func (s *Server) handlePreservation(_ context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	var body preservationBody
	if status, err := s.decode(w, r, &body); err != nil {
		return status, err
	}
	req := body.request()
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, errMissingID.Error())
		return http.StatusBadRequest, errMissingID
	}
	return s.enqueue(w, handler.PreservationMessage(req))
}

// handleImport queues an import request.
func (s *Server) handleImport(_ context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	var req model.ImportRequest
	if status, err := s.decode(w, r, &req); err != nil {
		return status, err
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, errMissingID.Error())
		return http.StatusBadRequest, errMissingID
	}
	return s.enqueue(w, handler.ImportMessage(req))
}
