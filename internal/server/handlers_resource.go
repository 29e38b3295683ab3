package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// CreateResourceRequest is the body of POST /resource.
type CreateResourceRequest struct {
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PostMessageRequest is the body of POST /resource/{resourceID}/message.
type PostMessageRequest struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

// listResources handles GET /resource.
func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.deps.Repository.ListResources(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

// createResource handles POST /resource.
func (s *Server) createResource(w http.ResponseWriter, r *http.Request) {
	var req CreateResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "title is required")
		return
	}

	res := &types.Resource{
		Kind:        req.Kind,
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if err := s.deps.Repository.CreateResource(r.Context(), res); err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// getResource handles GET /resource/{resourceID}.
func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Repository.GetResource(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// listMessages handles GET /resource/{resourceID}/message.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resourceID")
	if _, err := s.deps.Repository.GetResource(r.Context(), id); err != nil {
		writeStorageError(w, err)
		return
	}
	msgs, err := s.deps.Repository.ListMessages(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// postMessage handles POST /resource/{resourceID}/message. Subscribers of the
// resource are told about the new message.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Repository.GetResource(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		writeStorageError(w, err)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "content is required")
		return
	}
	switch req.Role {
	case "":
		req.Role = types.RoleUser
	case types.RoleUser, types.RoleSystem:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "role must be user or system")
		return
	}

	msg := &types.Message{
		ResourceID: res.ID,
		Role:       req.Role,
		Content:    req.Content,
	}
	if err := s.deps.Repository.CreateMessage(r.Context(), msg); err != nil {
		writeStorageError(w, err)
		return
	}

	if s.deps.Registry != nil {
		s.deps.Registry.BroadcastToTopics(
			registry.ResourceTopics(res.Kind, res.ID),
			protocol.Push(protocol.ResourceChanged{
				ResourceID: res.ID,
				Change:     protocol.ChangeMessageCreated,
				MessageID:  msg.ID,
				Message:    msg,
			}),
		)
	}
	writeJSON(w, http.StatusCreated, msg)
}

// listFileChanges handles GET /resource/{resourceID}/file_changes.
func (s *Server) listFileChanges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resourceID")
	if _, err := s.deps.Repository.GetResource(r.Context(), id); err != nil {
		writeStorageError(w, err)
		return
	}
	changes, err := s.deps.Repository.ListFileChanges(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// getExecution handles GET /execution/{executionID}.
func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	info, ok := s.deps.Engine.Snapshot(chi.URLParam(r, "executionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
