// Package orchestrator runs bulk enhancement jobs: it drains a queue of
// target records through a bounded worker pool, synthesizing a candidate for
// each, diffing it against the record and persisting the proposed changes.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/budget"
	"github.com/sells-group/catalog-curator/internal/cost"
	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
	"github.com/sells-group/catalog-curator/internal/synth"
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = eris.New("orchestrator: job not found")
	// ErrInvalidJobState is returned when an operation does not apply to the
	// job's current status.
	ErrInvalidJobState = eris.New("orchestrator: invalid job state")
	// ErrNoTargets is returned when a job is created without target records.
	ErrNoTargets = eris.New("orchestrator: job has no targets")
)

// Store is the persistence the orchestrator needs.
type Store interface {
	store.RecordStore
	store.JobStore
	CreateRequest(ctx context.Context, req *model.EnhancementRequest) error
	GetRequest(ctx context.Context, id string) (*model.EnhancementRequest, error)
	TransitionRequest(ctx context.Context, id string, to model.RequestStatus, errMsg string) error
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]model.EnhancementRequest, error)
	CreateChanges(ctx context.Context, changes []model.EnhancementChange) ([]model.EnhancementChange, error)
	CountChanges(ctx context.Context, filter store.ChangeFilter) (int, error)
}

// Synthesizer produces candidates. *synth.Synthesizer satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, rec *model.Record, mode model.EnhancementMode, opts synth.Options) (*synth.Candidate, error)
	Providers(mode model.EnhancementMode, opts synth.Options) []string
}

// Config holds orchestrator-wide defaults. Zero job settings fall back to
// these.
type Config struct {
	MaxConcurrent       int
	BatchSize           int
	DispatchDelay       time.Duration
	RetryCap            int
	TokenBudget         int
	ConfidenceThreshold float64
	CostCeilingUSD      float64
	Weights             *diff.Weights
}

// DefaultConfig returns the stock defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       3,
		BatchSize:           10,
		DispatchDelay:       time.Second,
		RetryCap:            2,
		TokenBudget:         2000,
		ConfidenceThreshold: diff.DefaultConfidenceThreshold,
	}
}

// Orchestrator owns every bulk job run in this process.
type Orchestrator struct {
	store  Store
	synth  Synthesizer
	ledger *budget.Ledger
	calc   *cost.Calculator
	cfg    Config
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an Orchestrator. Call Shutdown to stop running jobs.
func New(st Store, syn Synthesizer, ledger *budget.Ledger, calc *cost.Calculator, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DispatchDelay < 0 {
		cfg.DispatchDelay = 0
	}
	if cfg.RetryCap < 0 {
		cfg.RetryCap = 0
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.Weights == nil {
		cfg.Weights = diff.DefaultWeights()
	}
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:  st,
		synth:  syn,
		ledger: ledger,
		calc:   calc,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
}

// withDefaults fills zero settings from the orchestrator config.
func (o *Orchestrator) withDefaults(s model.JobSettings) model.JobSettings {
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = o.cfg.MaxConcurrent
	}
	if s.BatchSize <= 0 {
		s.BatchSize = o.cfg.BatchSize
	}
	if s.ConfidenceThreshold <= 0 {
		s.ConfidenceThreshold = o.cfg.ConfidenceThreshold
	}
	if s.TokenBudget <= 0 {
		s.TokenBudget = o.cfg.TokenBudget
	}
	if s.CostCeilingUSD <= 0 {
		s.CostCeilingUSD = o.cfg.CostCeilingUSD
	}
	if s.RequestedBy == "" {
		s.RequestedBy = "system"
	}
	return s
}

// CreateJob validates settings and persists a pending job. Duplicate and
// blank target ids are dropped.
func (o *Orchestrator) CreateJob(ctx context.Context, targets []string, settings model.JobSettings) (*model.BulkJob, error) {
	settings = o.withDefaults(settings)
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		ids = append(ids, t)
	}
	if len(ids) == 0 {
		return nil, ErrNoTargets
	}

	now := o.now()
	job := &model.BulkJob{
		ID:        uuid.New().String(),
		Targets:   ids,
		Settings:  settings,
		Status:    model.JobPending,
		Progress:  model.JobProgress{Total: len(ids)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.SaveJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "orchestrator: save new job")
	}

	zap.L().Info("orchestrator: job created",
		zap.String("job_id", job.ID),
		zap.Int("targets", len(ids)),
		zap.String("mode", string(settings.Mode)),
	)
	return job, nil
}

// Start begins processing a pending job in the background.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobPending {
		return eris.Wrapf(ErrInvalidJobState, "orchestrator: start job in status %s", job.Status)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[jobID]; ok {
		return eris.Wrapf(ErrInvalidJobState, "orchestrator: job %s already started", jobID)
	}
	r := newRun(job, queueFrom(job.Targets))
	return o.launchLocked(ctx, r)
}

// Resume continues a paused job with the items it had not yet dispatched.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()

	if ok {
		r.mu.Lock()
		status, active := r.job.Status, r.active
		r.mu.Unlock()
		if active || status != model.JobPaused {
			return eris.Wrapf(ErrInvalidJobState, "orchestrator: resume job in status %s", status)
		}
	} else {
		job, err := o.loadJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != model.JobPaused {
			return eris.Wrapf(ErrInvalidJobState, "orchestrator: resume job in status %s", job.Status)
		}
		remaining, err := o.remainingTargets(ctx, job)
		if err != nil {
			return err
		}
		r = newRun(job, queueFrom(remaining))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.launchLocked(ctx, r)
}

// launchLocked marks the run's job running, persists it and starts the
// dispatcher. Caller holds o.mu.
func (o *Orchestrator) launchLocked(ctx context.Context, r *run) error {
	r.mu.Lock()
	if !r.job.Status.CanTransition(model.JobRunning) {
		status := r.job.Status
		r.mu.Unlock()
		return eris.Wrapf(ErrInvalidJobState, "orchestrator: cannot run job in status %s", status)
	}
	now := o.now()
	r.job.Status = model.JobRunning
	if r.job.StartedAt == nil {
		r.job.StartedAt = &now
	}
	r.job.UpdatedAt = now
	r.active = true
	r.stopCh = make(chan struct{})
	r.stopAs = ""
	r.done = make(chan struct{})
	snapshot := copyJob(r.job)
	r.mu.Unlock()

	if err := o.store.SaveJob(ctx, snapshot); err != nil {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
		return eris.Wrap(err, "orchestrator: save running job")
	}

	o.runs[r.job.ID] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(o.ctx, r)
	}()

	zap.L().Info("orchestrator: job running",
		zap.String("job_id", snapshot.ID),
		zap.Int("queued", len(r.queue)),
		zap.Int("max_concurrent", snapshot.Settings.MaxConcurrent),
	)
	return nil
}

// Pause stops dispatching new items. In-flight items finish and are
// recorded; the rest stay queued for Resume.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	r, err := o.activeRun(ctx, jobID)
	if err != nil {
		return err
	}
	r.requestStop(model.JobPaused)
	return nil
}

// Cancel stops a job for good. Items not yet dispatched are recorded as
// skipped so the job's counts still add up to its total.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if ok {
		r.mu.Lock()
		active := r.active
		r.mu.Unlock()
		if active {
			r.requestStop(model.JobCancelled)
			return nil
		}
	}

	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransition(model.JobCancelled) {
		return eris.Wrapf(ErrInvalidJobState, "orchestrator: cancel job in status %s", job.Status)
	}

	var remaining []string
	if ok {
		r.mu.Lock()
		for _, it := range r.queue {
			remaining = append(remaining, it.recordID)
		}
		r.queue = nil
		r.mu.Unlock()
	} else if job.Status == model.JobPending {
		remaining = job.Targets
	} else if remaining, err = o.remainingTargets(ctx, job); err != nil {
		return err
	}

	for _, id := range remaining {
		job.Skipped = append(job.Skipped, model.SkippedItem{RecordID: id, Reason: reasonCancelled})
		job.Progress.Skipped++
	}
	now := o.now()
	job.Status = model.JobCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := o.store.SaveJob(ctx, job); err != nil {
		return eris.Wrap(err, "orchestrator: save cancelled job")
	}

	o.mu.Lock()
	delete(o.runs, jobID)
	o.mu.Unlock()
	zap.L().Info("orchestrator: job cancelled", zap.String("job_id", jobID), zap.Int("skipped", len(remaining)))
	return nil
}

// Wait blocks until the job's current run stops (finished, paused, cancelled
// or failed) and returns the job.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (*model.BulkJob, error) {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if ok {
		r.mu.Lock()
		done := r.done
		r.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return o.GetJob(ctx, jobID)
}

// Run creates a job, starts it and waits for it to stop.
func (o *Orchestrator) Run(ctx context.Context, targets []string, settings model.JobSettings) (*model.BulkJob, error) {
	job, err := o.CreateJob(ctx, targets, settings)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx, job.ID); err != nil {
		return nil, err
	}
	return o.Wait(ctx, job.ID)
}

// GetJob returns the live view of a running job, or the stored job.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*model.BulkJob, error) {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		return copyJob(r.job), nil
	}
	return o.loadJob(ctx, jobID)
}

// ListJobs returns stored jobs, overlaid with live progress for running ones.
func (o *Orchestrator) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.BulkJob, error) {
	jobs, err := o.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list jobs")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range jobs {
		if r, ok := o.runs[jobs[i].ID]; ok {
			r.mu.Lock()
			jobs[i] = *copyJob(r.job)
			r.mu.Unlock()
		}
	}
	return jobs, nil
}

// Recover marks jobs left running by a previous process as paused, with
// progress rebuilt from their requests, so they can be resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.store.ListJobs(ctx, store.JobFilter{Status: model.JobRunning, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list running jobs")
	}
	n := 0
	for i := range jobs {
		job := &jobs[i]
		o.mu.Lock()
		_, live := o.runs[job.ID]
		o.mu.Unlock()
		if live {
			continue
		}
		outcomes, err := o.requestOutcomes(ctx, job.ID)
		if err != nil {
			return n, err
		}
		job.Progress.Completed, job.Progress.Failed = 0, 0
		for _, oc := range outcomes {
			switch oc {
			case model.OutcomeCompleted:
				job.Progress.Completed++
			case model.OutcomeFailed:
				job.Progress.Failed++
			}
		}
		job.Progress.Skipped = len(job.Skipped)
		job.Progress.CurrentItem = ""
		job.Status = model.JobPaused
		job.UpdatedAt = o.now()
		if err := o.store.SaveJob(ctx, job); err != nil {
			return n, eris.Wrap(err, "orchestrator: save recovered job")
		}
		zap.L().Warn("orchestrator: recovered orphaned job", zap.String("job_id", job.ID))
		n++
	}
	return n, nil
}

// Shutdown pauses every running job and waits for in-flight items.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "orchestrator: shutdown")
	}
}

func (o *Orchestrator) activeRun(ctx context.Context, jobID string) (*run, error) {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if ok {
		r.mu.Lock()
		active := r.active
		r.mu.Unlock()
		if active {
			return r, nil
		}
	}
	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return nil, eris.Wrapf(ErrInvalidJobState, "orchestrator: job %s is %s", jobID, job.Status)
}

func (o *Orchestrator) loadJob(ctx context.Context, jobID string) (*model.BulkJob, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrJobNotFound, "orchestrator: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load job %s", jobID)
	}
	return job, nil
}

// requestOutcomes maps each record of a job to the final outcome of its
// latest request. Requests failed only to be retried do not count.
func (o *Orchestrator) requestOutcomes(ctx context.Context, jobID string) (map[string]model.ItemOutcome, error) {
	const page = 500
	out := make(map[string]model.ItemOutcome)
	for offset := 0; ; offset += page {
		reqs, err := o.store.ListRequests(ctx, store.RequestFilter{JobID: jobID, Limit: page, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: list job requests")
		}
		for _, req := range reqs {
			switch {
			case req.Status == model.RequestCompleted:
				out[req.TargetRecordID] = model.OutcomeCompleted
			case req.Status == model.RequestFailed && !isRetryNote(req.ErrorMessage):
				if out[req.TargetRecordID] != model.OutcomeCompleted {
					out[req.TargetRecordID] = model.OutcomeFailed
				}
			}
		}
		if len(reqs) < page {
			return out, nil
		}
	}
}

// remainingTargets lists the targets of a stored job that have no final
// outcome yet, in submission order.
func (o *Orchestrator) remainingTargets(ctx context.Context, job *model.BulkJob) ([]string, error) {
	outcomes, err := o.requestOutcomes(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	skipped := make(map[string]bool, len(job.Skipped))
	for _, s := range job.Skipped {
		skipped[s.RecordID] = true
	}
	var remaining []string
	for _, id := range job.Targets {
		// Requests for completed-but-skipped items (low confidence, empty
		// candidate) are completed and also listed as skipped.
		if _, done := outcomes[id]; done || skipped[id] {
			continue
		}
		remaining = append(remaining, id)
	}
	return remaining, nil
}

func copyJob(j *model.BulkJob) *model.BulkJob {
	c := *j
	c.Targets = append([]string(nil), j.Targets...)
	c.Settings.Sources = append([]string(nil), j.Settings.Sources...)
	c.Errors = append([]string(nil), j.Errors...)
	c.Skipped = append([]model.SkippedItem(nil), j.Skipped...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
