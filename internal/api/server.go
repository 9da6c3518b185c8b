// Package api exposes the curation pipeline over HTTP: bulk jobs, the review
// queue, rollbacks and pipeline statistics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/approval"
	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/orchestrator"
	"github.com/sells-group/catalog-curator/internal/store"
)

// Jobs is the job-orchestration surface the API drives.
type Jobs interface {
	CreateJob(ctx context.Context, targets []string, settings model.JobSettings) (*model.BulkJob, error)
	Start(ctx context.Context, jobID string) error
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*model.BulkJob, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.BulkJob, error)
	SubmitManual(ctx context.Context, recordID string, fields map[string]any, requestedBy string) (*orchestrator.ManualResult, error)
	Stats(ctx context.Context) (*orchestrator.Stats, error)
}

// Reviews is the approval workflow.
type Reviews interface {
	ListPending(ctx context.Context, filter store.ChangeFilter) ([]model.EnhancementChange, error)
	CountPending(ctx context.Context, filter store.ChangeFilter) (int, error)
	Approve(ctx context.Context, changeIDs []string, approverID string) (*approval.ApplyResult, error)
	Reject(ctx context.Context, changeIDs []string, approverID, reason string) (*approval.RejectResult, error)
	AutoApprove(ctx context.Context, threshold float64, actorID string) (*approval.ApplyResult, error)
}

// Rollbacks manages snapshots and restores.
type Rollbacks interface {
	CreatePoint(ctx context.Context, recordID, requestID string, changeIDs []string, actorID string) (*model.RollbackPoint, error)
	Rollback(ctx context.Context, pointID, actorID, reason string) (*model.RollbackResult, error)
	List(ctx context.Context, recordID string) ([]model.RollbackPoint, error)
	History(ctx context.Context, pointID string) ([]model.RollbackHistoryEntry, error)
}

// Options configures the router.
type Options struct {
	// AutoApproveThreshold applies when an auto-approve call names none.
	AutoApproveThreshold float64
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// Ping reports store health for /health. Nil always reports ok.
	Ping func(ctx context.Context) error
	// RequestTimeout bounds each request. Zero means 60s.
	RequestTimeout time.Duration
}

// Server holds the handlers' collaborators.
type Server struct {
	jobs      Jobs
	reviews   Reviews
	rollbacks Rollbacks
	opts      Options
}

// NewServer creates a Server.
func NewServer(jobs Jobs, reviews Reviews, rollbacks Rollbacks, opts Options) *Server {
	if opts.AutoApproveThreshold <= 0 {
		opts.AutoApproveThreshold = approval.DefaultAutoApproveThreshold
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Server{jobs: jobs, reviews: reviews, rollbacks: rollbacks, opts: opts}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/{jobID}", s.getJob)
			r.Post("/{jobID}/{action}", s.jobAction)
		})

		r.Route("/changes", func(r chi.Router) {
			r.Get("/", s.listChanges)
			r.Post("/approve", s.approveChanges)
			r.Post("/reject", s.rejectChanges)
			r.Post("/auto-approve", s.autoApprove)
		})

		r.Route("/records/{recordID}", func(r chi.Router) {
			r.Get("/rollback-points", s.listRollbackPoints)
			r.Post("/rollback-points", s.createRollbackPoint)
			r.Post("/manual", s.submitManual)
		})

		r.Route("/rollback-points/{pointID}", func(r chi.Router) {
			r.Post("/rollback", s.executeRollback)
			r.Get("/history", s.rollbackHistory)
		})

		r.Get("/stats", s.stats)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
