package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/budget"
	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/resilience"
	"github.com/sells-group/catalog-curator/internal/store"
	"github.com/sells-group/catalog-curator/internal/synth"
)

const (
	reasonBudget         = "Budget exceeded"
	reasonVerified       = "record already verified"
	reasonEmptyCandidate = "no usable candidate data"
	retryNote            = "retry scheduled: "
)

func isRetryNote(msg string) bool { return strings.HasPrefix(msg, retryNote) }

func skipped(it queueItem, reason string) itemResult {
	return itemResult{item: it, outcome: model.OutcomeSkipped, reason: reason}
}

func failed(it queueItem, reason string) itemResult {
	return itemResult{item: it, outcome: model.OutcomeFailed, reason: reason}
}

func aborted(it queueItem, err error) itemResult {
	return itemResult{item: it, outcome: model.OutcomeFailed, reason: err.Error(), fatal: err}
}

// process runs one target through budget check, synthesis and diffing. Store
// failures abort the job; provider failures only fail the item.
func (o *Orchestrator) process(ctx context.Context, r *run, it queueItem) itemResult {
	r.mu.Lock()
	jobID := r.job.ID
	settings := r.job.Settings
	r.mu.Unlock()

	log := zap.L().With(
		zap.String("job_id", jobID),
		zap.String("record_id", it.recordID),
		zap.Int("attempt", it.attempts+1),
	)

	rec, err := o.store.GetRecord(ctx, it.recordID)
	if errors.Is(err, store.ErrNotFound) {
		return failed(it, "record not found")
	}
	if err != nil {
		return aborted(it, eris.Wrapf(err, "orchestrator: load record %s", it.recordID))
	}
	if settings.SkipVerified && rec.Verified {
		return skipped(it, reasonVerified)
	}

	opts := synth.Options{Allow: settings.AllowsSource}
	estimate := o.calc.Estimate(o.synth.Providers(settings.Mode, opts), settings.TokenBudget)
	hold, ok, err := o.reserve(ctx, r, settings, estimate)
	if err != nil {
		return aborted(it, err)
	}
	if !ok {
		metrics.BudgetSkips.Inc()
		log.Info("orchestrator: budget exceeded, skipping", zap.Float64("estimate_usd", estimate))
		return skipped(it, reasonBudget)
	}

	req := &model.EnhancementRequest{
		JobID:               jobID,
		TargetRecordID:      rec.ID,
		RequestedBy:         settings.RequestedBy,
		Mode:                settings.Mode,
		Priority:            settings.Priority,
		ConfidenceThreshold: settings.ConfidenceThreshold,
	}
	if err := o.store.CreateRequest(ctx, req); err != nil {
		o.release(r, hold, estimate)
		return aborted(it, eris.Wrap(err, "orchestrator: create request"))
	}
	if err := o.store.TransitionRequest(ctx, req.ID, model.RequestProcessing, ""); err != nil {
		o.release(r, hold, estimate)
		return aborted(it, eris.Wrap(err, "orchestrator: start request"))
	}
	log = log.With(zap.String("request_id", req.ID))

	cand, err := o.synth.Synthesize(ctx, rec, settings.Mode, opts)
	if err != nil {
		// Replies that came back unusable were still billed.
		if spent, _ := synth.Spent(err); spent > 0 {
			if cerr := o.commit(ctx, r, hold, estimate, spent); cerr != nil {
				return aborted(it, cerr)
			}
		} else {
			o.release(r, hold, estimate)
		}
		if resilience.IsTransient(err) && it.attempts < o.cfg.RetryCap {
			log.Warn("orchestrator: transient failure, requeueing", zap.Error(err))
			if terr := o.store.TransitionRequest(ctx, req.ID, model.RequestFailed, retryNote+err.Error()); terr != nil {
				return aborted(it, eris.Wrap(terr, "orchestrator: fail request"))
			}
			return itemResult{item: it}
		}
		log.Warn("orchestrator: synthesis failed", zap.Error(err))
		if terr := o.store.TransitionRequest(ctx, req.ID, model.RequestFailed, err.Error()); terr != nil {
			return aborted(it, eris.Wrap(terr, "orchestrator: fail request"))
		}
		return failed(it, err.Error())
	}

	if err := o.commit(ctx, r, hold, estimate, cand.CostUSD); err != nil {
		return aborted(it, err)
	}

	var reason string
	switch mean := cand.MeanConfidence(); {
	case cand.Empty():
		reason = reasonEmptyCandidate
	case mean < settings.ConfidenceThreshold:
		reason = fmt.Sprintf("confidence %.2f below threshold %.2f", mean, settings.ConfidenceThreshold)
	}
	if reason != "" {
		if err := o.store.TransitionRequest(ctx, req.ID, model.RequestCompleted, ""); err != nil {
			return aborted(it, eris.Wrap(err, "orchestrator: complete request"))
		}
		log.Info("orchestrator: candidate discarded", zap.String("reason", reason))
		return skipped(it, reason)
	}

	changes := diff.DetectChanges(rec.Snapshot(), cand.Fields, cand.Source, cand.SourceURL, diff.Options{
		ConfidenceThreshold: settings.ConfidenceThreshold,
		Weights:             o.cfg.Weights,
		FieldSources:        cand.Sources,
		Now:                 o.now(),
	})
	for i := range changes {
		changes[i].RequestID = req.ID
		changes[i].RecordID = rec.ID
	}
	if len(changes) > 0 {
		if _, err := o.store.CreateChanges(ctx, changes); err != nil {
			return aborted(it, eris.Wrap(err, "orchestrator: persist changes"))
		}
		for _, c := range changes {
			metrics.ChangesDetected.WithLabelValues(string(c.ChangeType)).Inc()
		}
	}
	if err := o.store.TransitionRequest(ctx, req.ID, model.RequestCompleted, ""); err != nil {
		return aborted(it, eris.Wrap(err, "orchestrator: complete request"))
	}

	log.Info("orchestrator: item processed",
		zap.Int("changes", len(changes)),
		zap.Float64("cost_usd", cand.CostUSD),
		zap.Int("tokens", cand.TokensUsed),
	)
	return itemResult{item: it, outcome: model.OutcomeCompleted}
}

// reserve holds estimate against the job ceiling and the monthly budget.
// ok is false when either would be exceeded.
func (o *Orchestrator) reserve(ctx context.Context, r *run, settings model.JobSettings, estimate float64) (*budget.Reservation, bool, error) {
	r.budgetMu.Lock()
	defer r.budgetMu.Unlock()

	if settings.CostCeilingUSD > 0 {
		r.mu.Lock()
		committed := r.job.Progress.SpentUSD + r.reserved
		r.mu.Unlock()
		if committed+estimate > settings.CostCeilingUSD+1e-9 {
			return nil, false, nil
		}
	}

	var hold *budget.Reservation
	if o.ledger != nil {
		var err error
		hold, err = o.ledger.Reserve(ctx, estimate)
		if errors.Is(err, budget.ErrBudgetExceeded) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, eris.Wrap(err, "orchestrator: reserve budget")
		}
	}

	r.mu.Lock()
	r.reserved += estimate
	r.mu.Unlock()
	return hold, true, nil
}

func (o *Orchestrator) release(r *run, hold *budget.Reservation, estimate float64) {
	if hold != nil {
		hold.Release()
	}
	r.mu.Lock()
	r.reserved -= estimate
	r.mu.Unlock()
}

// commit turns the hold into recorded spend of the actual cost.
func (o *Orchestrator) commit(ctx context.Context, r *run, hold *budget.Reservation, estimate, actual float64) error {
	debited := actual
	if hold != nil {
		var err error
		debited, err = hold.Commit(ctx, actual)
		if err != nil {
			o.release(r, nil, estimate)
			return eris.Wrap(err, "orchestrator: record spend")
		}
	}
	r.mu.Lock()
	r.reserved -= estimate
	r.job.Progress.SpentUSD += debited
	r.mu.Unlock()
	metrics.SpendUSD.Add(debited)
	return nil
}
