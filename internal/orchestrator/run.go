package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
)

const (
	reasonCancelled = "job cancelled"
	reasonAborted   = "job failed"
)

type queueItem struct {
	recordID string
	attempts int
}

func queueFrom(ids []string) []queueItem {
	q := make([]queueItem, len(ids))
	for i, id := range ids {
		q[i] = queueItem{recordID: id}
	}
	return q
}

// itemResult is what a worker reports for one dispatched item.
type itemResult struct {
	item    queueItem
	outcome model.ItemOutcome // empty when the item should be retried
	reason  string
	fatal   error
}

// run is the in-memory state of one job between Start/Resume and the point
// its dispatcher stops.
type run struct {
	mu              sync.Mutex
	job             *model.BulkJob
	queue           []queueItem
	inflight        int
	sinceCheckpoint int
	reserved        float64
	active          bool
	stopCh          chan struct{}
	stopAs          model.JobStatus
	done            chan struct{}

	// budgetMu serializes the check-then-reserve step across workers.
	budgetMu sync.Mutex
}

func newRun(job *model.BulkJob, queue []queueItem) *run {
	return &run{job: job, queue: queue}
}

// requestStop asks the dispatcher to stop. A cancel overrides an earlier
// pause request.
func (r *run) requestStop(as model.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	if r.stopAs == "" {
		r.stopAs = as
		close(r.stopCh)
		return
	}
	if as == model.JobCancelled {
		r.stopAs = as
	}
}

// drive dispatches queued items to a pool of settings.MaxConcurrent workers
// until the queue drains or a stop is requested, then settles the job.
func (o *Orchestrator) drive(ctx context.Context, r *run) {
	r.mu.Lock()
	settings := r.job.Settings
	stopCh := r.stopCh
	done := r.done
	jobID := r.job.ID
	r.mu.Unlock()
	defer close(done)

	log := zap.L().With(zap.String("job_id", jobID))

	// In-flight items run to completion on shutdown; only dispatch stops.
	workCtx := context.WithoutCancel(ctx)
	work := make(chan queueItem)
	results := make(chan itemResult)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < settings.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range work {
				results <- o.process(workCtx, r, it)
				if o.cfg.DispatchDelay > 0 {
					select {
					case <-time.After(o.cfg.DispatchDelay):
					case <-quit:
					}
				}
			}
		}()
	}

	var (
		fatal    error
		stopping bool
		ctxDone  = ctx.Done()
	)
	for {
		r.mu.Lock()
		canDispatch := !stopping && len(r.queue) > 0
		var next queueItem
		if canDispatch {
			next = r.queue[0]
		}
		idle := !canDispatch && r.inflight == 0
		r.mu.Unlock()
		if idle {
			break
		}

		var out chan<- queueItem
		if canDispatch {
			out = work
		}
		select {
		case out <- next:
			r.mu.Lock()
			r.queue = r.queue[1:]
			r.inflight++
			r.job.Progress.CurrentItem = next.recordID
			r.mu.Unlock()
			metrics.InFlight.Inc()

		case res := <-results:
			metrics.InFlight.Dec()
			if err := o.settle(ctx, r, res); err != nil && fatal == nil {
				fatal = err
			}
			if res.fatal != nil && fatal == nil {
				fatal = res.fatal
			}
			if fatal != nil && !stopping {
				log.Error("orchestrator: aborting job", zap.Error(fatal))
				stopping = true
			}

		case <-stopCh:
			stopping = true
			stopCh = nil

		case <-ctxDone:
			stopping = true
			ctxDone = nil
		}
	}

	close(quit)
	close(work)
	wg.Wait()

	o.finish(r, fatal)
}

// settle folds one item result into the job and checkpoints every
// batch_size items.
func (o *Orchestrator) settle(ctx context.Context, r *run, res itemResult) error {
	r.mu.Lock()
	r.inflight--
	switch res.outcome {
	case "":
		res.item.attempts++
		r.queue = append(r.queue, res.item)
		r.mu.Unlock()
		return nil
	case model.OutcomeCompleted:
		r.job.Progress.Completed++
	case model.OutcomeFailed:
		r.job.Progress.Failed++
		r.job.Errors = append(r.job.Errors, res.item.recordID+": "+res.reason)
	case model.OutcomeSkipped:
		r.job.Progress.Skipped++
		r.job.Skipped = append(r.job.Skipped, model.SkippedItem{RecordID: res.item.recordID, Reason: res.reason})
	}
	metrics.ItemsProcessed.WithLabelValues(string(res.outcome)).Inc()

	r.sinceCheckpoint++
	if r.sinceCheckpoint < r.job.Settings.BatchSize {
		r.mu.Unlock()
		return nil
	}
	r.sinceCheckpoint = 0
	r.job.UpdatedAt = o.now()
	snapshot := copyJob(r.job)
	r.mu.Unlock()

	if err := o.store.SaveJob(context.WithoutCancel(ctx), snapshot); err != nil {
		return err
	}
	zap.L().Debug("orchestrator: checkpoint",
		zap.String("job_id", snapshot.ID),
		zap.Int("done", snapshot.Progress.Done()),
		zap.Int("total", snapshot.Progress.Total),
	)
	return nil
}

// finish decides the job's status once its dispatcher has stopped and
// persists it.
func (o *Orchestrator) finish(r *run, fatal error) {
	r.mu.Lock()
	now := o.now()
	job := r.job
	switch {
	case fatal != nil:
		job.Status = model.JobFailed
		job.Errors = append(job.Errors, fatal.Error())
		o.skipQueued(r, reasonAborted)
	case r.stopAs == model.JobCancelled:
		job.Status = model.JobCancelled
		o.skipQueued(r, reasonCancelled)
	case r.stopAs == model.JobPaused || len(r.queue) > 0:
		job.Status = model.JobPaused
	default:
		job.Status = model.JobCompleted
	}
	job.Progress.CurrentItem = ""
	job.UpdatedAt = now
	if job.Status.IsTerminal() {
		job.CompletedAt = &now
	}
	r.active = false
	r.sinceCheckpoint = 0
	snapshot := copyJob(job)
	r.mu.Unlock()

	log := zap.L().With(zap.String("job_id", snapshot.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.store.SaveJob(ctx, snapshot); err != nil {
		log.Error("orchestrator: save final job state", zap.Error(err))
	}

	if snapshot.Status.IsTerminal() {
		o.mu.Lock()
		delete(o.runs, snapshot.ID)
		o.mu.Unlock()
	}

	log.Info("orchestrator: job stopped",
		zap.String("status", string(snapshot.Status)),
		zap.Int("completed", snapshot.Progress.Completed),
		zap.Int("failed", snapshot.Progress.Failed),
		zap.Int("skipped", snapshot.Progress.Skipped),
		zap.Float64("spent_usd", snapshot.Progress.SpentUSD),
	)
}

// skipQueued records every queued item as skipped. Caller holds r.mu.
func (o *Orchestrator) skipQueued(r *run, reason string) {
	for _, it := range r.queue {
		r.job.Skipped = append(r.job.Skipped, model.SkippedItem{RecordID: it.recordID, Reason: reason})
		r.job.Progress.Skipped++
	}
	r.queue = nil
}
