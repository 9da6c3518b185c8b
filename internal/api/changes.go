package api

import (
	"net/http"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid offset"})
		return
	}
	minConf, err := queryFloat(r, "min_confidence")
	if err != nil || minConf < 0 || minConf > 1 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid min_confidence"})
		return
	}

	filter := store.ChangeFilter{
		RequestID:     q.Get("request_id"),
		RecordID:      q.Get("record_id"),
		Source:        q.Get("source"),
		MinConfidence: minConf,
		Limit:         limit,
		Offset:        offset,
	}
	ctx := r.Context()
	changes, err := s.reviews.ListPending(ctx, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.reviews.CountPending(ctx, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if changes == nil {
		changes = []model.EnhancementChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "total": total})
}

type approveRequest struct {
	ChangeIDs  []string `json:"change_ids" validate:"required,min=1,dive,required"`
	ApproverID string   `json:"approver_id" validate:"required"`
}

func (s *Server) approveChanges(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.reviews.Approve(r.Context(), req.ChangeIDs, req.ApproverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rejectRequest struct {
	ChangeIDs  []string `json:"change_ids" validate:"required,min=1,dive,required"`
	ApproverID string   `json:"approver_id" validate:"required"`
	Reason     string   `json:"reason" validate:"required"`
}

func (s *Server) rejectChanges(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.reviews.Reject(r.Context(), req.ChangeIDs, req.ApproverID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             res.OK(),
		"rejected_count": res.RejectedCount,
		"errors":         res.Errors,
	})
}

type autoApproveRequest struct {
	Threshold float64 `json:"threshold" validate:"gte=0,lte=1"`
	ActorID   string  `json:"actor_id"`
}

func (s *Server) autoApprove(w http.ResponseWriter, r *http.Request) {
	var req autoApproveRequest
	if !decode(w, r, &req) {
		return
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = s.opts.AutoApproveThreshold
	}
	res, err := s.reviews.AutoApprove(r.Context(), threshold, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
