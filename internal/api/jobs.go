package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

type createJobRequest struct {
	Targets  []string          `json:"targets" validate:"required,min=1,dive,required"`
	Settings model.JobSettings `json:"settings"`
	Start    bool              `json:"start"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	job, err := s.jobs.CreateJob(ctx, req.Targets, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Start {
		if err := s.jobs.Start(ctx, job.ID); err != nil {
			writeError(w, err)
			return
		}
		if job, err = s.jobs.GetJob(ctx, job.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
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
	jobs, err := s.jobs.ListJobs(r.Context(), store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.BulkJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "jobID")

	var err error
	switch chi.URLParam(r, "action") {
	case "start":
		err = s.jobs.Start(ctx, id)
	case "pause":
		err = s.jobs.Pause(ctx, id)
	case "resume":
		err = s.jobs.Resume(ctx, id)
	case "cancel":
		err = s.jobs.Cancel(ctx, id)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown job action"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type manualRequest struct {
	Fields      map[string]any `json:"fields" validate:"required,min=1"`
	RequestedBy string         `json:"requested_by" validate:"required"`
}

func (s *Server) submitManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.jobs.SubmitManual(r.Context(), chi.URLParam(r, "recordID"), req.Fields, req.RequestedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
