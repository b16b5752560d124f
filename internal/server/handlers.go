package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ivfsync/internal/lifecycle"
	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/internal/syncer"
	"github.com/hyperjump/ivfsync/internal/vector"
	"github.com/hyperjump/ivfsync/internal/watcher"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("query", req.Query), zap.Int("limit", req.Limit))

	start := time.Now()
	query := req.Vector
	if req.Query != "" {
		if s.embedder == nil {
			s.respondError(w, http.StatusNotImplemented, "text queries need an embedder")
			return
		}
		v, err := s.embedder.Embed(r.Context(), req.Query)
		if err != nil {
			s.logger.Error("query embedding failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		query = v
	}

	hits, err := s.index.Search(r.Context(), query, req.Limit)
	if err != nil {
		var dimErr *vector.DimensionError
		switch {
		case errors.As(err, &dimErr):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, vector.ErrNotTrained):
			s.respondError(w, http.StatusServiceUnavailable, "index is not trained yet")
		default:
			s.logger.Error("search failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	s.respondJSON(w, http.StatusOK, &models.SearchResponse{
		Hits:      hits,
		Total:     len(hits),
		QueryTime: time.Since(start).Milliseconds(),
		Query:     req.Query,
	})
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Index   lifecycle.Status `json:"index"`
	Watcher *watcher.Stats   `json:"watcher,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Index: s.index.Status()}
	if s.trigger != nil {
		st := s.trigger.Stats()
		resp.Watcher = &st
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// syncResponse is the shape of POST /api/v1/sync. Skipped is true when a sync was
// already running and nothing was done.
type syncResponse struct {
	Skipped bool            `json:"skipped"`
	Outcome *syncer.Outcome `json:"outcome,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.respondError(w, http.StatusNotImplemented, "watcher not enabled")
		return
	}
	s.logger.Debug("manual sync request")
	// The tick runs to completion even if the client disconnects.
	out, ran := s.trigger.Tick(context.WithoutCancel(r.Context()))
	if !ran {
		s.respondJSON(w, http.StatusAccepted, syncResponse{Skipped: true})
		return
	}
	status := http.StatusOK
	if out.Kind == syncer.Failed {
		status = http.StatusBadGateway
	}
	s.respondJSON(w, status, syncResponse{Outcome: &out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
