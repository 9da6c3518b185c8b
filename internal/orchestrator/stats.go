package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

// Stats is a point-in-time view of pipeline activity.
type Stats struct {
	QueueDepth        int                     `json:"queue_depth"`
	InFlight          int                     `json:"in_flight"`
	Jobs              map[model.JobStatus]int `json:"jobs"`
	ItemsCompleted    int                     `json:"items_completed"`
	ItemsFailed       int                     `json:"items_failed"`
	ItemsSkipped      int                     `json:"items_skipped"`
	SuccessRate       float64                 `json:"success_rate"`
	SpendToDateUSD    float64                 `json:"spend_to_date_usd"`
	MonthlyCeilingUSD float64                 `json:"monthly_ceiling_usd"`
	RemainingUSD      float64                 `json:"remaining_usd"`
	PendingChanges    int                     `json:"pending_changes"`
}

// Stats aggregates job, budget and review-queue figures.
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	const page = 500
	st := &Stats{Jobs: make(map[model.JobStatus]int)}

	live := make(map[string]*model.BulkJob)
	o.mu.Lock()
	for id, r := range o.runs {
		r.mu.Lock()
		live[id] = copyJob(r.job)
		if r.active {
			st.QueueDepth += len(r.queue)
			st.InFlight += r.inflight
		}
		r.mu.Unlock()
	}
	o.mu.Unlock()

	for offset := 0; ; offset += page {
		jobs, err := o.store.ListJobs(ctx, store.JobFilter{Limit: page, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: list jobs for stats")
		}
		for i := range jobs {
			job := &jobs[i]
			if l, ok := live[job.ID]; ok {
				job = l
			}
			st.Jobs[job.Status]++
			st.ItemsCompleted += job.Progress.Completed
			st.ItemsFailed += job.Progress.Failed
			st.ItemsSkipped += job.Progress.Skipped
		}
		if len(jobs) < page {
			break
		}
	}
	if finished := st.ItemsCompleted + st.ItemsFailed; finished > 0 {
		st.SuccessRate = float64(st.ItemsCompleted) / float64(finished)
	}

	if o.ledger != nil {
		state, err := o.ledger.State(ctx)
		if err != nil {
			return nil, err
		}
		remaining, err := o.ledger.Remaining(ctx)
		if err != nil {
			return nil, err
		}
		st.SpendToDateUSD = state.SpentUSD
		st.MonthlyCeilingUSD = state.CeilingUSD
		st.RemainingUSD = remaining
	}

	pending, err := o.store.CountChanges(ctx, store.ChangeFilter{Status: model.ChangePending})
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: count pending changes")
	}
	st.PendingChanges = pending
	return st, nil
}
