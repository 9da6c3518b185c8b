package rollback

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "rollback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// applyChanges persists changes for rec, snapshots, writes them and marks
// them approved, mirroring the approval path.
func applyChanges(t *testing.T, st *store.SQLiteStore, m *Manager, recordID string, fields map[string]any) *model.RollbackPoint {
	t.Helper()
	ctx := context.Background()

	req := &model.EnhancementRequest{TargetRecordID: recordID, RequestedBy: "tester", Mode: model.ModeManual}
	require.NoError(t, st.CreateRequest(ctx, req))

	var changes []model.EnhancementChange
	for f, v := range fields {
		changes = append(changes, model.EnhancementChange{
			RequestID: req.ID, RecordID: recordID, FieldName: f, NewValue: v,
			ChangeType: model.ChangeUpdate, ConfidenceScore: 1, Source: "manual",
		})
	}
	changes, err := st.CreateChanges(ctx, changes)
	require.NoError(t, err)

	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	p, err := m.CreatePoint(ctx, recordID, req.ID, ids, "alice")
	require.NoError(t, err)

	_, err = st.UpdateRecord(ctx, recordID, fields)
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, st.DecideChange(ctx, id, model.ChangeDecision{
			Status: model.ChangeApproved, ActorID: "alice", DecidedAt: time.Now(),
		}))
	}
	return p
}

func TestRollback_RestoresOnlyTouchedFields(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, nil)
	ctx := context.Background()

	require.NoError(t, st.PutRecord(ctx, &model.Record{ID: "r1", Fields: map[string]any{
		"name":        "Sauvage EDT",
		"description": "Fresh",
	}}))

	p := applyChanges(t, st, m, "r1", map[string]any{"name": "Sauvage Elixir"})
	assert.Equal(t, "Sauvage EDT", p.SnapshotData["name"])

	// Independent edit after the snapshot.
	_, err := st.UpdateRecord(ctx, "r1", map[string]any{"description": "Spicy and fresh"})
	require.NoError(t, err)

	res, err := m.Rollback(ctx, p.ID, "bob", "wrong flanker")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"name"}, res.RevertedFields)
	assert.Equal(t, 1, res.RolledBackChanges)
	assert.NotEmpty(t, res.HistoryID)

	rec, err := st.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Sauvage EDT", rec.Fields["name"])
	assert.Equal(t, "Spicy and fresh", rec.Fields["description"])

	changes, err := st.GetChanges(ctx, p.AppliedChangeIDs)
	require.NoError(t, err)
	for _, c := range changes {
		assert.Equal(t, model.ChangeRolledBack, c.Status)
	}
}

func TestRollback_SkipsChangesNeverApplied(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, nil)
	ctx := context.Background()

	require.NoError(t, st.PutRecord(ctx, &model.Record{ID: "r1", Fields: map[string]any{
		"name":   "Sauvage EDT",
		"rating": 4.0,
	}}))
	req := &model.EnhancementRequest{TargetRecordID: "r1", RequestedBy: "tester", Mode: model.ModeManual}
	require.NoError(t, st.CreateRequest(ctx, req))
	changes, err := st.CreateChanges(ctx, []model.EnhancementChange{
		{RequestID: req.ID, RecordID: "r1", FieldName: "name", NewValue: "Sauvage Elixir", ChangeType: model.ChangeUpdate, ConfidenceScore: 1, Source: "manual"},
		{RequestID: req.ID, RecordID: "r1", FieldName: "rating", NewValue: 4.4, ChangeType: model.ChangeUpdate, ConfidenceScore: 1, Source: "manual"},
	})
	require.NoError(t, err)

	p, err := m.CreatePoint(ctx, "r1", req.ID, []string{changes[0].ID, changes[1].ID}, "alice")
	require.NoError(t, err)

	// Only the name change is written and approved; rating stays pending and
	// is edited by hand later.
	_, err = st.UpdateRecord(ctx, "r1", map[string]any{"name": "Sauvage Elixir"})
	require.NoError(t, err)
	require.NoError(t, st.DecideChange(ctx, changes[0].ID, model.ChangeDecision{
		Status: model.ChangeApproved, ActorID: "alice", DecidedAt: time.Now(),
	}))
	_, err = st.UpdateRecord(ctx, "r1", map[string]any{"rating": 4.7})
	require.NoError(t, err)

	res, err := m.Rollback(ctx, p.ID, "bob", "revert")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, res.RevertedFields)

	rec, err := st.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Sauvage EDT", rec.Fields["name"])
	assert.Equal(t, 4.7, rec.Fields["rating"])
}

func TestRollback_RemovesAddedField(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, nil)
	ctx := context.Background()

	require.NoError(t, st.PutRecord(ctx, &model.Record{ID: "r1", Fields: map[string]any{"name": "Aventus"}}))
	p := applyChanges(t, st, m, "r1", map[string]any{"top_notes": []any{"Pineapple", "Bergamot"}})
	assert.Contains(t, p.SnapshotData, "top_notes")
	assert.Nil(t, p.SnapshotData["top_notes"])

	res, err := m.Rollback(ctx, p.ID, "bob", "bad scrape")
	require.NoError(t, err)
	assert.Equal(t, []string{"top_notes"}, res.RevertedFields)

	rec, err := st.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, rec.Fields, "top_notes")
	assert.Equal(t, "Aventus", rec.Fields["name"])
}

func TestRollback_Idempotent(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, nil)
	ctx := context.Background()

	require.NoError(t, st.PutRecord(ctx, &model.Record{ID: "r1", Fields: map[string]any{"rating": 3.9}}))
	p := applyChanges(t, st, m, "r1", map[string]any{"rating": 4.2})

	first, err := m.Rollback(ctx, p.ID, "bob", "first")
	require.NoError(t, err)
	assert.Equal(t, []string{"rating"}, first.RevertedFields)

	second, err := m.Rollback(ctx, p.ID, "bob", "again")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Empty(t, second.RevertedFields)
	assert.Zero(t, second.RolledBackChanges)

	history, err := m.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Reason)
	assert.Equal(t, "again", history[1].Reason)
}

func TestRollback_FailureIsRecorded(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, nil)
	ctx := context.Background()

	p := &model.RollbackPoint{
		ID:             "p-orphan",
		TargetRecordID: "missing",
		SnapshotData:   map[string]any{"name": "Ghost"},
		CreatedBy:      "alice",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateRollbackPoint(ctx, p))

	res, err := m.Rollback(ctx, p.ID, "bob", "cleanup")
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)

	history, err := m.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Errors)
}

func TestRollback_UnknownPoint(t *testing.T) {
	m := NewManager(newTestStore(t), nil)
	_, err := m.Rollback(context.Background(), "nope", "bob", "x")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreatePoint_Errors(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, nil)
	ctx := context.Background()

	_, err := m.CreatePoint(ctx, "missing", "", nil, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.PutRecord(ctx, &model.Record{ID: "r1", Fields: map[string]any{"name": "A"}}))
	_, err = m.CreatePoint(ctx, "r1", "", []string{"no-such-change"}, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Capture(ctx, &model.Record{ID: "r1"}, "", []model.EnhancementChange{{ID: "c", RecordID: "r2", FieldName: "name"}}, "alice")
	require.ErrorIs(t, err, ErrChangeMismatch)

	p, err := m.CreatePoint(ctx, "r1", "", nil, "alice")
	require.NoError(t, err)
	points, err := m.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, p.ID, points[0].ID)
}

func TestSweep(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, nil)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i, age := range []time.Duration{100 * 24 * time.Hour, 10 * 24 * time.Hour} {
		require.NoError(t, st.CreateRollbackPoint(ctx, &model.RollbackPoint{
			ID:             []string{"old", "new"}[i],
			TargetRecordID: "r1",
			SnapshotData:   map[string]any{},
			CreatedAt:      now.Add(-age),
		}))
	}
	require.NoError(t, st.AppendRollbackHistory(ctx, &model.RollbackHistoryEntry{
		ID: "h1", RollbackPointID: "old", TargetRecordID: "r1", CreatedAt: now.Add(-90 * 24 * time.Hour),
	}))

	n, err := m.Sweep(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	points, err := m.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "new", points[0].ID)

	history, err := m.History(ctx, "old")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = m.Sweep(ctx, 0)
	require.Error(t, err)
}

func TestRecordLocks_Serializes(t *testing.T) {
	l := NewRecordLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("r1")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, l.locks)
}
