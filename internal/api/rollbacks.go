package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/catalog-curator/internal/model"
)

func (s *Server) listRollbackPoints(w http.ResponseWriter, r *http.Request) {
	points, err := s.rollbacks.List(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []model.RollbackPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollback_points": points})
}

type createPointRequest struct {
	RequestID string   `json:"request_id"`
	ChangeIDs []string `json:"change_ids" validate:"dive,required"`
	ActorID   string   `json:"actor_id" validate:"required"`
}

func (s *Server) createRollbackPoint(w http.ResponseWriter, r *http.Request) {
	var req createPointRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.rollbacks.CreatePoint(r.Context(), chi.URLParam(r, "recordID"), req.RequestID, req.ChangeIDs, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type rollbackRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

func (s *Server) executeRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.rollbacks.Rollback(r.Context(), chi.URLParam(r, "pointID"), req.ActorID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) rollbackHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.rollbacks.History(r.Context(), chi.URLParam(r, "pointID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.RollbackHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
