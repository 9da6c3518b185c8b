// Package rollback captures record snapshots before changes are applied and
// restores them on request.
package rollback

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

// ErrChangeMismatch is returned when a change does not belong to the record
// being snapshotted.
var ErrChangeMismatch = eris.New("rollback: change does not target record")

// Store is the persistence the manager needs.
type Store interface {
	store.RecordStore
	store.RollbackStore
	GetChanges(ctx context.Context, ids []string) ([]model.EnhancementChange, error)
	MarkChangesRolledBack(ctx context.Context, ids []string) (int, error)
}

// Manager creates rollback points and executes rollbacks.
type Manager struct {
	store   Store
	weights *diff.Weights
	locks   *RecordLocks
	now     func() time.Time
}

// NewManager creates a Manager. weights supplies the field equality rules and
// defaults to diff.DefaultWeights.
func NewManager(st Store, weights *diff.Weights) *Manager {
	if weights == nil {
		weights = diff.DefaultWeights()
	}
	return &Manager{
		store:   st,
		weights: weights,
		locks:   NewRecordLocks(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Locks exposes the per-record lock table shared with the apply path.
func (m *Manager) Locks() *RecordLocks { return m.locks }

// CreatePoint snapshots the current state of a record ahead of applying the
// given changes.
func (m *Manager) CreatePoint(ctx context.Context, recordID, requestID string, changeIDs []string, actorID string) (*model.RollbackPoint, error) {
	unlock := m.locks.Lock(recordID)
	defer unlock()

	rec, err := m.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, eris.Wrapf(err, "rollback: load record %s", recordID)
	}
	var changes []model.EnhancementChange
	if len(changeIDs) > 0 {
		changes, err = m.store.GetChanges(ctx, changeIDs)
		if err != nil {
			return nil, eris.Wrap(err, "rollback: load changes")
		}
		if len(changes) != len(uniq(changeIDs)) {
			return nil, eris.Wrapf(store.ErrNotFound, "rollback: %d of %d changes found", len(changes), len(changeIDs))
		}
	}
	return m.Capture(ctx, rec, requestID, changes, actorID)
}

// Capture stores a snapshot of rec covering every field the changes touch.
// Touched fields absent from rec are captured as null so that rolling back
// an addition removes the field again. The caller holds the record lock.
func (m *Manager) Capture(ctx context.Context, rec *model.Record, requestID string, changes []model.EnhancementChange, actorID string) (*model.RollbackPoint, error) {
	snap := rec.Snapshot()
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		if c.RecordID != rec.ID {
			return nil, eris.Wrapf(ErrChangeMismatch, "rollback: change %s targets %s, not %s", c.ID, c.RecordID, rec.ID)
		}
		if model.IsSystemField(c.FieldName) {
			continue
		}
		if _, ok := snap[c.FieldName]; !ok {
			snap[c.FieldName] = nil
		}
		ids = append(ids, c.ID)
	}

	p := &model.RollbackPoint{
		ID:               uuid.New().String(),
		TargetRecordID:   rec.ID,
		RequestID:        requestID,
		SnapshotData:     snap,
		AppliedChangeIDs: ids,
		CreatedBy:        actorID,
		CreatedAt:        m.now(),
	}
	if err := m.store.CreateRollbackPoint(ctx, p); err != nil {
		return nil, eris.Wrap(err, "rollback: create point")
	}

	zap.L().Debug("rollback: point created",
		zap.String("point_id", p.ID),
		zap.String("record_id", rec.ID),
		zap.Int("changes", len(ids)),
	)
	return p, nil
}

// Rollback restores the snapshot of a point. Only fields the point's changes
// touched are restored, so edits made to other fields since the snapshot
// survive. Running it twice is a no-op the second time. Every attempt is
// recorded in the rollback history.
func (m *Manager) Rollback(ctx context.Context, pointID, actorID, reason string) (*model.RollbackResult, error) {
	p, err := m.store.GetRollbackPoint(ctx, pointID)
	if err != nil {
		return nil, eris.Wrapf(err, "rollback: load point %s", pointID)
	}

	unlock := m.locks.Lock(p.TargetRecordID)
	defer unlock()

	log := zap.L().With(
		zap.String("point_id", p.ID),
		zap.String("record_id", p.TargetRecordID),
		zap.String("actor", actorID),
	)

	res := &model.RollbackResult{
		RollbackPointID: p.ID,
		RecordID:        p.TargetRecordID,
		RevertedFields:  []string{},
	}
	if err := m.restore(ctx, p, res); err != nil {
		res.Errors = append(res.Errors, err.Error())
		log.Warn("rollback: failed", zap.Error(err))
	} else {
		res.Success = true
		log.Info("rollback: executed",
			zap.Strings("reverted_fields", res.RevertedFields),
			zap.Int("rolled_back_changes", res.RolledBackChanges),
		)
	}

	entry := &model.RollbackHistoryEntry{
		ID:              uuid.New().String(),
		RollbackPointID: p.ID,
		TargetRecordID:  p.TargetRecordID,
		ActorID:         actorID,
		Reason:          reason,
		Success:         res.Success,
		RevertedFields:  res.RevertedFields,
		Errors:          res.Errors,
		CreatedAt:       m.now(),
	}
	if err := m.store.AppendRollbackHistory(ctx, entry); err != nil {
		return res, eris.Wrap(err, "rollback: append history")
	}
	res.HistoryID = entry.ID

	if res.Success {
		metrics.Rollbacks.WithLabelValues("success").Inc()
	} else {
		metrics.Rollbacks.WithLabelValues("failure").Inc()
	}
	return res, nil
}

func (m *Manager) restore(ctx context.Context, p *model.RollbackPoint, res *model.RollbackResult) error {
	rec, err := m.store.GetRecord(ctx, p.TargetRecordID)
	if err != nil {
		return eris.Wrap(err, "rollback: load record")
	}

	fields, err := m.restorableFields(ctx, p)
	if err != nil {
		return err
	}

	update := make(map[string]any)
	for _, f := range fields {
		want := p.SnapshotData[f]
		if m.weights.Equal(f, rec.Get(f), want) {
			continue
		}
		update[f] = want
		res.RevertedFields = append(res.RevertedFields, f)
	}

	if len(update) > 0 {
		if _, err := m.store.UpdateRecord(ctx, rec.ID, update); err != nil {
			res.RevertedFields = []string{}
			return eris.Wrap(err, "rollback: restore record")
		}
	}

	if len(p.AppliedChangeIDs) > 0 {
		n, err := m.store.MarkChangesRolledBack(ctx, p.AppliedChangeIDs)
		if err != nil {
			return eris.Wrap(err, "rollback: mark changes")
		}
		res.RolledBackChanges = n
	}
	return nil
}

// restorableFields returns, sorted, the snapshot fields touched by the
// point's applied changes. Changes that never reached an applied status are
// ignored. A point without changes restores its whole snapshot.
func (m *Manager) restorableFields(ctx context.Context, p *model.RollbackPoint) ([]string, error) {
	var fields []string
	if len(p.AppliedChangeIDs) == 0 {
		for f := range p.SnapshotData {
			if !model.IsSystemField(f) {
				fields = append(fields, f)
			}
		}
		sort.Strings(fields)
		return fields, nil
	}

	changes, err := m.store.GetChanges(ctx, p.AppliedChangeIDs)
	if err != nil {
		return nil, eris.Wrap(err, "rollback: load applied changes")
	}
	seen := make(map[string]bool)
	for _, c := range changes {
		if !c.Status.IsApplied() && c.Status != model.ChangeRolledBack {
			continue
		}
		if _, ok := p.SnapshotData[c.FieldName]; !ok || model.IsSystemField(c.FieldName) || seen[c.FieldName] {
			continue
		}
		seen[c.FieldName] = true
		fields = append(fields, c.FieldName)
	}
	sort.Strings(fields)
	return fields, nil
}

// List returns the rollback points of a record, newest first.
func (m *Manager) List(ctx context.Context, recordID string) ([]model.RollbackPoint, error) {
	points, err := m.store.ListRollbackPoints(ctx, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "rollback: list points")
	}
	return points, nil
}

// History returns the rollback attempts made against a point.
func (m *Manager) History(ctx context.Context, pointID string) ([]model.RollbackHistoryEntry, error) {
	entries, err := m.store.ListRollbackHistory(ctx, pointID)
	if err != nil {
		return nil, eris.Wrap(err, "rollback: list history")
	}
	return entries, nil
}

// Sweep deletes rollback points older than retention. History entries are
// kept.
func (m *Manager) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, eris.New("rollback: retention must be positive")
	}
	cutoff := m.now().Add(-retention)
	n, err := m.store.DeleteRollbackPointsBefore(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "rollback: sweep")
	}
	if n > 0 {
		zap.L().Info("rollback: swept expired points",
			zap.Int("deleted", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
