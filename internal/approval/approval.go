// Package approval implements the review workflow for proposed changes:
// listing, approving (which applies them to the record store), rejecting and
// bulk auto-approval.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/rollback"
	"github.com/sells-group/catalog-curator/internal/store"
)

// DefaultAutoApproveThreshold is used when AutoApprove gets no threshold.
const DefaultAutoApproveThreshold = 0.9

var (
	// ErrStale marks a change whose field moved since the diff was computed.
	ErrStale = eris.New("approval: field changed since diff")
	// ErrNotPending marks a change that has already been decided.
	ErrNotPending = eris.New("approval: change is not pending")
	// ErrConflict marks a change that targets the same field as another
	// change applied in the same batch.
	ErrConflict = eris.New("approval: conflicting change in batch")
)

// Store is the persistence the workflow needs.
type Store interface {
	store.RecordStore
	GetChanges(ctx context.Context, ids []string) ([]model.EnhancementChange, error)
	ListChanges(ctx context.Context, filter store.ChangeFilter) ([]model.EnhancementChange, error)
	CountChanges(ctx context.Context, filter store.ChangeFilter) (int, error)
	DecideChange(ctx context.Context, id string, d model.ChangeDecision) error
}

// ChangeError reports why one change was not applied or rejected.
type ChangeError struct {
	ChangeID string `json:"change_id"`
	RecordID string `json:"record_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
}

// ApplyResult summarises an approve or auto-approve call.
type ApplyResult struct {
	AppliedCount     int           `json:"applied_count"`
	Errors           []ChangeError `json:"errors"`
	RecordIDs        []string      `json:"record_ids"`
	RollbackPointIDs []string      `json:"rollback_point_ids"`
}

// RejectResult summarises a reject call.
type RejectResult struct {
	RejectedCount int           `json:"rejected_count"`
	Errors        []ChangeError `json:"errors"`
}

// OK reports whether every requested change was rejected.
func (r *RejectResult) OK() bool { return len(r.Errors) == 0 }

// Service runs the approval workflow.
type Service struct {
	store     Store
	rollbacks *rollback.Manager
	weights   *diff.Weights
	now       func() time.Time
}

// NewService creates a Service. Rollback points are taken through rb, whose
// record locks also serialize applies.
func NewService(st Store, rb *rollback.Manager, weights *diff.Weights) *Service {
	if weights == nil {
		weights = diff.DefaultWeights()
	}
	return &Service{
		store:     st,
		rollbacks: rb,
		weights:   weights,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListPending returns pending changes matching filter. The filter's status is
// ignored.
func (s *Service) ListPending(ctx context.Context, filter store.ChangeFilter) ([]model.EnhancementChange, error) {
	filter.Status = model.ChangePending
	changes, err := s.store.ListChanges(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "approval: list pending")
	}
	return changes, nil
}

// CountPending counts pending changes matching filter.
func (s *Service) CountPending(ctx context.Context, filter store.ChangeFilter) (int, error) {
	filter.Status = model.ChangePending
	filter.Limit, filter.Offset = 0, 0
	n, err := s.store.CountChanges(ctx, filter)
	return n, eris.Wrap(err, "approval: count pending")
}

// Approve applies the given changes on behalf of approverID. Changes are
// applied independently: stale or already-decided changes are reported in
// Errors while the rest still apply.
func (s *Service) Approve(ctx context.Context, changeIDs []string, approverID string) (*ApplyResult, error) {
	return s.apply(ctx, changeIDs, approverID, model.ChangeApproved)
}

// AutoApprove applies every pending change scored at or above threshold that
// carries no validation errors. Flagged changes stay pending for a human.
func (s *Service) AutoApprove(ctx context.Context, threshold float64, actorID string) (*ApplyResult, error) {
	if threshold <= 0 {
		threshold = DefaultAutoApproveThreshold
	}
	if actorID == "" {
		actorID = "system"
	}

	const page = 500
	var ids []string
	for offset := 0; ; offset += page {
		batch, err := s.store.ListChanges(ctx, store.ChangeFilter{
			Status:        model.ChangePending,
			MinConfidence: threshold,
			Limit:         page,
			Offset:        offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "approval: list auto-approve candidates")
		}
		for _, c := range batch {
			if !c.Flagged() {
				ids = append(ids, c.ID)
			}
		}
		if len(batch) < page {
			break
		}
	}

	res, err := s.apply(ctx, ids, actorID, model.ChangeAutoApproved)
	if err != nil {
		return nil, err
	}
	zap.L().Info("approval: auto-approve complete",
		zap.Float64("threshold", threshold),
		zap.Int("candidates", len(ids)),
		zap.Int("applied", res.AppliedCount),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// Reject marks pending changes rejected. The record store is not touched.
// Each record's changes are decided under the record lock, so a reject
// never lands between an apply's write and its decision.
func (s *Service) Reject(ctx context.Context, changeIDs []string, approverID, reason string) (*RejectResult, error) {
	res := &RejectResult{Errors: []ChangeError{}}
	ids := uniq(changeIDs)
	if len(ids) == 0 {
		return res, nil
	}

	changes, err := s.store.GetChanges(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "approval: load changes")
	}
	order, byRecord, missing := groupByRecord(ids, changes)
	for _, id := range missing {
		res.Errors = append(res.Errors, ChangeError{ChangeID: id, Reason: "change not found"})
	}

	for _, recordID := range order {
		if err := s.rejectRecord(ctx, recordID, byRecord[recordID], approverID, reason, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Service) rejectRecord(ctx context.Context, recordID string, ids []string, approverID, reason string, res *RejectResult) error {
	unlock := s.rollbacks.Locks().Lock(recordID)
	defer unlock()

	now := s.now()
	for _, id := range ids {
		err := s.store.DecideChange(ctx, id, model.ChangeDecision{
			Status:    model.ChangeRejected,
			ActorID:   approverID,
			Reason:    reason,
			DecidedAt: now,
		})
		switch {
		case err == nil:
			res.RejectedCount++
			metrics.ChangesDecided.WithLabelValues(string(model.ChangeRejected)).Inc()
		case errors.Is(err, store.ErrNotFound):
			res.Errors = append(res.Errors, ChangeError{ChangeID: id, RecordID: recordID, Reason: "change not found"})
		case errors.Is(err, store.ErrInvalidTransition):
			res.Errors = append(res.Errors, ChangeError{ChangeID: id, RecordID: recordID, Reason: ErrNotPending.Error()})
		default:
			return eris.Wrapf(err, "approval: reject %s", id)
		}
	}
	return nil
}

func (s *Service) apply(ctx context.Context, changeIDs []string, actorID string, status model.ChangeStatus) (*ApplyResult, error) {
	res := &ApplyResult{Errors: []ChangeError{}, RecordIDs: []string{}, RollbackPointIDs: []string{}}
	ids := uniq(changeIDs)
	if len(ids) == 0 {
		return res, nil
	}

	changes, err := s.store.GetChanges(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "approval: load changes")
	}
	order, byRecord, missing := groupByRecord(ids, changes)
	for _, id := range missing {
		res.Errors = append(res.Errors, ChangeError{ChangeID: id, Reason: "change not found"})
	}

	for _, recordID := range order {
		applied, pointID, errs, err := s.applyRecord(ctx, recordID, byRecord[recordID], actorID, status)
		res.Errors = append(res.Errors, errs...)
		if err != nil {
			return res, err
		}
		if applied > 0 {
			res.AppliedCount += applied
			res.RecordIDs = append(res.RecordIDs, recordID)
			res.RollbackPointIDs = append(res.RollbackPointIDs, pointID)
		}
	}
	return res, nil
}

// applyRecord applies one record's changes under its lock. A returned error
// is fatal for the whole call; per-change problems come back in errs.
func (s *Service) applyRecord(ctx context.Context, recordID string, ids []string, actorID string, status model.ChangeStatus) (int, string, []ChangeError, error) {
	unlock := s.rollbacks.Locks().Lock(recordID)
	defer unlock()

	log := zap.L().With(zap.String("record_id", recordID), zap.String("actor", actorID))
	var errs []ChangeError
	fail := func(c model.EnhancementChange, reason string) {
		errs = append(errs, ChangeError{ChangeID: c.ID, RecordID: c.RecordID, Field: c.FieldName, Reason: reason})
	}

	// Re-read under the lock so concurrent decisions are seen.
	changes, err := s.store.GetChanges(ctx, ids)
	if err != nil {
		return 0, "", nil, eris.Wrap(err, "approval: reload changes")
	}
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			for _, c := range changes {
				fail(c, "record not found")
			}
			return 0, "", errs, nil
		}
		return 0, "", nil, eris.Wrapf(err, "approval: load record %s", recordID)
	}

	// Highest confidence wins when two changes target the same field.
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].ConfidenceScore > changes[j].ConfidenceScore
	})
	taken := make(map[string]string)
	var fresh []model.EnhancementChange
	for _, c := range changes {
		switch {
		case c.Status != model.ChangePending:
			fail(c, fmt.Sprintf("%s (status %s)", ErrNotPending.Error(), c.Status))
		case taken[c.FieldName] != "":
			fail(c, fmt.Sprintf("%s: %s", ErrConflict.Error(), taken[c.FieldName]))
		case !s.weights.Equal(c.FieldName, rec.Get(c.FieldName), c.OldValue):
			metrics.StaleChanges.Inc()
			log.Warn("approval: stale change",
				zap.String("change_id", c.ID), zap.String("field", c.FieldName))
			fail(c, ErrStale.Error())
		default:
			taken[c.FieldName] = c.ID
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return 0, "", errs, nil
	}

	point, err := s.rollbacks.Capture(ctx, rec, sharedRequest(fresh), fresh, actorID)
	if err != nil {
		return 0, "", errs, eris.Wrapf(err, "approval: snapshot record %s", recordID)
	}

	// Only applied changes carry an applied status, and rollback restores
	// just their fields. A write whose decision fails is put back so the
	// record never holds a value for a change still pending.
	applied := 0
	now := s.now()
	for _, c := range fresh {
		if _, err := s.store.UpdateRecord(ctx, recordID, map[string]any{c.FieldName: c.NewValue}); err != nil {
			log.Warn("approval: write failed", zap.String("change_id", c.ID), zap.Error(err))
			fail(c, err.Error())
			continue
		}
		err := s.store.DecideChange(ctx, c.ID, model.ChangeDecision{Status: status, ActorID: actorID, DecidedAt: now})
		if err != nil {
			fail(c, err.Error())
			if _, rerr := s.store.UpdateRecord(ctx, recordID, map[string]any{c.FieldName: rec.Get(c.FieldName)}); rerr != nil {
				log.Error("approval: revert after failed decision",
					zap.String("change_id", c.ID), zap.String("field", c.FieldName), zap.Error(rerr))
			}
			continue
		}
		applied++
		metrics.ChangesDecided.WithLabelValues(string(status)).Inc()
	}

	log.Info("approval: changes applied",
		zap.Int("applied", applied),
		zap.String("rollback_point_id", point.ID),
		zap.String("status", string(status)),
	)
	return applied, point.ID, errs, nil
}

// groupByRecord buckets change ids by record in first-seen order and lists
// the requested ids that were not found.
func groupByRecord(ids []string, changes []model.EnhancementChange) ([]string, map[string][]string, []string) {
	found := make(map[string]bool, len(changes))
	var order []string
	byRecord := make(map[string][]string)
	for _, c := range changes {
		found[c.ID] = true
		if _, ok := byRecord[c.RecordID]; !ok {
			order = append(order, c.RecordID)
		}
		byRecord[c.RecordID] = append(byRecord[c.RecordID], c.ID)
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return order, byRecord, missing
}

// sharedRequest returns the request id common to every change, or "" when
// the batch spans several requests.
func sharedRequest(changes []model.EnhancementChange) string {
	if len(changes) == 0 {
		return ""
	}
	id := changes[0].RequestID
	for _, c := range changes[1:] {
		if c.RequestID != id {
			return ""
		}
	}
	return id
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
