// Package handlers provides the HTTP management API for the recall service.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/recallhq/recall/internal/engine"
	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/pkg/types"
)

// APIHandler serves the memory management and retrieval endpoints.
type APIHandler struct {
	engine *engine.Engine
}

// NewAPIHandler creates the API handler over the given engine.
func NewAPIHandler(eng *engine.Engine) *APIHandler {
	return &APIHandler{engine: eng}
}

// RegisterRoutes installs all API routes on the mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users/{userID}/memories", h.ListMemories)
	mux.HandleFunc("POST /api/users/{userID}/memories", h.CreateMemory)
	mux.HandleFunc("DELETE /api/users/{userID}/memories/{id}", h.DeleteMemory)
	mux.HandleFunc("GET /api/users/{userID}/overview", h.GetOverview)
	mux.HandleFunc("POST /api/context", h.GetContext)
	mux.HandleFunc("POST /api/messages", h.RecordMessage)
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ListMemories returns a user's memories, optionally filtered by category,
// sorted by importance then recency.
func (h *APIHandler) ListMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	category := types.Category(r.URL.Query().Get("category"))

	memories, err := h.engine.UserMemories(r.Context(), userID, category)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"memories": memories,
		"count":    len(memories),
	})
}

// createMemoryRequest is the body for explicit memory creation.
type createMemoryRequest struct {
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Importance float64  `json:"importance"`
	Keywords   []string `json:"keywords"`
}

// CreateMemory stores a memory on explicit user request. The entry is
// durable when the call returns; its embedding follows in the background.
func (h *APIHandler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entry, err := h.engine.Remember(r.Context(), &types.MemoryEntry{
		UserID:     userID,
		Content:    req.Content,
		Category:   types.Category(req.Category),
		Importance: req.Importance,
		Keywords:   req.Keywords,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, entry)
}

// DeleteMemory removes a memory on explicit user request.
func (h *APIHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	id := r.PathValue("id")

	if err := h.engine.Forget(r.Context(), userID, id); err != nil {
		respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetOverview summarises a user's memory set.
func (h *APIHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.engine.UserOverview(r.Context(), r.PathValue("userID"))
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, overview)
}

// contextRequest is the body for contextual retrieval.
type contextRequest struct {
	UserID         string   `json:"user_id"`
	History        []string `json:"history"`
	CurrentMessage string   `json:"current_message"`
	Limit          int      `json:"limit"`
}

// GetContext returns the memories relevant to the current conversation,
// ranked. This is the synchronous request-path endpoint.
func (h *APIHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	results, err := h.engine.GetContextualMemories(r.Context(), engine.ContextRequest{
		UserID:         req.UserID,
		History:        req.History,
		CurrentMessage: req.CurrentMessage,
		Limit:          req.Limit,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	degraded := len(results) > 0 && results[0].Degraded
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  req.UserID,
		"memories": results,
		"count":    len(results),
		"degraded": degraded,
	})
}

// recordMessageRequest is the body for conversation message ingestion.
// Category and importance are optional hints for explicit "remember this"
// triggers; detection still decides whether anything is worth keeping.
type recordMessageRequest struct {
	UserID         string  `json:"user_id"`
	ConversationID string  `json:"conversation_id"`
	Role           string  `json:"role"`
	Text           string  `json:"text"`
	Category       string  `json:"category,omitempty"`
	Importance     float64 `json:"importance,omitempty"`
}

// RecordMessage logs a conversation message and queues memory detection.
// Always returns 202: detection happens asynchronously.
func (h *APIHandler) RecordMessage(w http.ResponseWriter, r *http.Request) {
	var req recordMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	queued, err := h.engine.RecordPotentialMemory(r.Context(), &types.ConversationMessage{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Text:           req.Text,
	}, engine.MemoryHint{
		Category:   types.Category(req.Category),
		Importance: req.Importance,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": queued,
	})
}

// respondEngineError maps engine/storage errors onto HTTP status codes.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, storage.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		log.Printf("handlers: internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; log and move on.
		log.Printf("handlers: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	})
}
