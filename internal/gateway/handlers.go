package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/msai-amin/Ryzomatic-sub006/internal/actions"
	"github.com/msai-amin/Ryzomatic-sub006/internal/memory"
	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// MemoryService is the memory store capability the gateway needs.
type MemoryService interface {
	ExtractAndStore(ctx context.Context, ownerID, conversationID string, turns []models.ConversationTurn) (*models.ExtractionResult, error)
	Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error)
	Relationships(ctx context.Context, ownerID, itemID string) ([]*models.RelatedItem, error)
}

// ActionService resolves commands into structured actions.
type ActionService interface {
	Resolve(ctx context.Context, ownerID, command string) (*models.Action, error)
}

type extractRequest struct {
	ConversationID string                    `json:"conversation_id"`
	Turns          []models.ConversationTurn `json:"turns"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "conversation_id is required"})
		return
	}

	result, err := s.store.ExtractAndStore(r.Context(), ownerID, req.ConversationID, req.Turns)
	if err != nil {
		if errors.Is(err, memory.ErrExtractionParse) {
			// The batch is skipped, not lost; it re-runs on the next trigger.
			writeJSON(w, http.StatusAccepted, map[string]any{
				"entities_created":      0,
				"relationships_created": 0,
				"deferred":              true,
			})
			return
		}
		s.logger.Error(r.Context(), "extraction failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "extraction failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type searchRequest struct {
	Query      string  `json:"query"`
	EntityType string  `json:"entity_type,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	Threshold  float32 `json:"threshold,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "query is required"})
		return
	}

	resp, err := s.store.Search(r.Context(), &models.SearchRequest{
		OwnerID:    ownerID,
		Query:      req.Query,
		EntityType: models.EntityType(req.EntityType),
		Limit:      req.Limit,
		Threshold:  req.Threshold,
	})
	if err != nil {
		s.logger.Error(r.Context(), "search failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "search failed"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request, ownerID string) {
	itemID := r.PathValue("id")
	if itemID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "item id is required"})
		return
	}

	items, err := s.store.Relationships(r.Context(), ownerID, itemID)
	if err != nil {
		s.logger.Error(r.Context(), "related lookup failed", "item_id", itemID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "related lookup failed"})
		return
	}
	if items == nil {
		items = []*models.RelatedItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": items})
}

type assembleRequest struct {
	Query   string `json:"query"`
	Ceiling int    `json:"ceiling,omitempty"`
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req assembleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "query is required"})
		return
	}

	budget, err := s.assembler.Assemble(r.Context(), ownerID, req.Query, req.Ceiling)
	if err != nil {
		s.logger.Error(r.Context(), "context assembly failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "context assembly failed"})
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

type resolveRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleResolveAction(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "command is required"})
		return
	}

	action, err := s.resolver.Resolve(r.Context(), ownerID, req.Command)
	if err != nil {
		if errors.Is(err, actions.ErrActionParse) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "command did not resolve to a known action"})
			return
		}
		s.logger.Error(r.Context(), "action resolution failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "action resolution failed"})
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(payload); err != nil {
		// Best-effort: the client may have disconnected.
		return
	}
}
