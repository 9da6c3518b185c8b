package orchestrator

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

// ManualSource is the change source of hand-entered values.
const ManualSource = "manual"

// ManualResult is the outcome of a manual submission.
type ManualResult struct {
	Request *model.EnhancementRequest `json:"request"`
	Changes []model.EnhancementChange `json:"changes"`
}

// SubmitManual records hand-entered field values for a record as pending
// changes. Nothing is written to the record until the changes are approved.
func (o *Orchestrator) SubmitManual(ctx context.Context, recordID string, fields map[string]any, requestedBy string) (*ManualResult, error) {
	if len(fields) == 0 {
		return nil, eris.New("orchestrator: manual submission has no fields")
	}
	rec, err := o.store.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, eris.Wrapf(err, "orchestrator: load record %s", recordID)
	}

	candidate := make(map[string]any, len(fields))
	for k, v := range fields {
		if !model.IsSystemField(k) {
			candidate[k] = v
		}
	}

	req := &model.EnhancementRequest{
		TargetRecordID: rec.ID,
		RequestedBy:    requestedBy,
		Mode:           model.ModeManual,
	}
	if err := o.store.CreateRequest(ctx, req); err != nil {
		return nil, eris.Wrap(err, "orchestrator: create manual request")
	}
	if err := o.store.TransitionRequest(ctx, req.ID, model.RequestProcessing, ""); err != nil {
		return nil, eris.Wrap(err, "orchestrator: start manual request")
	}

	// Hand-entered values are proposed whatever their score.
	changes := diff.DetectChanges(rec.Snapshot(), candidate, ManualSource, "", diff.Options{
		ConfidenceThreshold: -1,
		Weights:             o.cfg.Weights,
		Now:                 o.now(),
	})
	for i := range changes {
		changes[i].RequestID = req.ID
		changes[i].RecordID = rec.ID
	}
	if len(changes) > 0 {
		changes, err = o.store.CreateChanges(ctx, changes)
		if err != nil {
			_ = o.store.TransitionRequest(ctx, req.ID, model.RequestFailed, err.Error())
			return nil, eris.Wrap(err, "orchestrator: persist manual changes")
		}
		for _, c := range changes {
			metrics.ChangesDetected.WithLabelValues(string(c.ChangeType)).Inc()
		}
	}
	if err := o.store.TransitionRequest(ctx, req.ID, model.RequestCompleted, ""); err != nil {
		return nil, eris.Wrap(err, "orchestrator: complete manual request")
	}
	if stored, err := o.store.GetRequest(ctx, req.ID); err == nil {
		req = stored
	}

	zap.L().Info("orchestrator: manual changes submitted",
		zap.String("record_id", rec.ID),
		zap.String("request_id", req.ID),
		zap.String("requested_by", requestedBy),
		zap.Int("changes", len(changes)),
	)
	if changes == nil {
		changes = []model.EnhancementChange{}
	}
	return &ManualResult{Request: req, Changes: changes}, nil
}
