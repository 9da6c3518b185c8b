package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-curator/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRequest(t *testing.T, st *SQLiteStore, recordID string) *model.EnhancementRequest {
	t.Helper()
	req := &model.EnhancementRequest{
		TargetRecordID: recordID,
		RequestedBy:    "tester",
		Mode:           model.ModeScrape,
	}
	require.NoError(t, st.CreateRequest(context.Background(), req))
	return req
}

// --- Records ---

func TestSQLite_Record_PutGetUpdate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutRecord(ctx, &model.Record{
		ID: "r1",
		Fields: map[string]any{
			"name":      "Sauvage EDT",
			"brand":     "Dior",
			"top_notes": []any{"Bergamot"},
			"id":        "ignored",
		},
		Verified: true,
	}))

	rec, err := st.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Sauvage EDT", rec.Fields["name"])
	assert.Equal(t, []any{"Bergamot"}, rec.Fields["top_notes"])
	assert.True(t, rec.Verified)
	assert.NotContains(t, rec.Fields, "id")

	updated, err := st.UpdateRecord(ctx, "r1", map[string]any{
		"name":       "Sauvage Elixir",
		"brand":      nil,
		"year":       2021,
		"updated_at": "nope",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sauvage Elixir", updated.Fields["name"])
	assert.NotContains(t, updated.Fields, "brand")
	assert.NotContains(t, updated.Fields, "updated_at")

	rec, err = st.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, float64(2021), rec.Fields["year"])
	assert.Equal(t, []any{"Bergamot"}, rec.Fields["top_notes"])
}

func TestSQLite_Record_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetRecord(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = st.UpdateRecord(ctx, "missing", map[string]any{"name": "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

// --- Requests ---

func TestSQLite_Request_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	req := seedRequest(t, st, "r1")
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, model.RequestPending, req.Status)

	require.NoError(t, st.TransitionRequest(ctx, req.ID, model.RequestProcessing, ""))
	require.NoError(t, st.TransitionRequest(ctx, req.ID, model.RequestCompleted, ""))

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))

	// Terminal states are final.
	err = st.TransitionRequest(ctx, req.ID, model.RequestPending, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	err = st.TransitionRequest(ctx, req.ID, model.RequestFailed, "late")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLite_Request_FailedCarriesMessage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	req := seedRequest(t, st, "r1")
	require.NoError(t, st.TransitionRequest(ctx, req.ID, model.RequestProcessing, ""))
	require.NoError(t, st.TransitionRequest(ctx, req.ID, model.RequestFailed, "all providers failed"))

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "all providers failed", got.ErrorMessage)
}

func TestSQLite_Request_TransitionMissing(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.TransitionRequest(context.Background(), "nope", model.RequestProcessing, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListRequests_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, rec := range []string{"r1", "r2", "r1"} {
		req := &model.EnhancementRequest{
			JobID:          "job-1",
			TargetRecordID: rec,
			Mode:           model.ModeAnalysis,
			Priority:       i,
		}
		require.NoError(t, st.CreateRequest(ctx, req))
	}
	require.NoError(t, st.CreateRequest(ctx, &model.EnhancementRequest{TargetRecordID: "r3", Mode: model.ModeManual}))

	byJob, err := st.ListRequests(ctx, RequestFilter{JobID: "job-1"})
	require.NoError(t, err)
	assert.Len(t, byJob, 3)
	assert.Equal(t, 2, byJob[0].Priority)

	byRecord, err := st.ListRequests(ctx, RequestFilter{RecordID: "r1"})
	require.NoError(t, err)
	assert.Len(t, byRecord, 2)

	limited, err := st.ListRequests(ctx, RequestFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Changes ---

func sampleChanges(requestID, recordID string) []model.EnhancementChange {
	return []model.EnhancementChange{
		{
			RequestID: requestID, RecordID: recordID, FieldName: "top_notes",
			OldValue: []any{}, NewValue: []any{"Bergamot", "Lemon"},
			ChangeType: model.ChangeAddition, ConfidenceScore: 0.72, Source: "scrape",
			SourceURL: "https://example.com/p/1",
		},
		{
			RequestID: requestID, RecordID: recordID, FieldName: "rating",
			OldValue: 4.1, NewValue: 7.5,
			ChangeType: model.ChangeUpdate, ConfidenceScore: 0.55, Source: "analysis",
			ValidationErrors: []string{"rating must be between 0 and 5"},
		},
		{
			RequestID: requestID, RecordID: recordID, FieldName: "name",
			OldValue: nil, NewValue: "Sauvage",
			ChangeType: model.ChangeAddition, ConfidenceScore: 0.95, Source: "scrape",
		},
	}
}

func TestSQLite_CreateAndListChanges(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := seedRequest(t, st, "r1")

	created, err := st.CreateChanges(ctx, sampleChanges(req.ID, "r1"))
	require.NoError(t, err)
	require.Len(t, created, 3)
	for _, c := range created {
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, model.ChangePending, c.Status)
		assert.False(t, c.CreatedAt.IsZero())
	}

	all, err := st.ListChanges(ctx, ChangeFilter{Status: model.ChangePending})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "name", all[0].FieldName, "ordered by confidence desc")
	assert.Nil(t, all[0].OldValue)
	assert.Equal(t, "Sauvage", all[0].NewValue)

	notes := all[1]
	assert.Equal(t, []any{}, notes.OldValue)
	assert.Equal(t, []any{"Bergamot", "Lemon"}, notes.NewValue)
	assert.Equal(t, "https://example.com/p/1", notes.SourceURL)

	rating := all[2]
	assert.Equal(t, 7.5, rating.NewValue)
	assert.Equal(t, []string{"rating must be between 0 and 5"}, rating.ValidationErrors)
	assert.True(t, rating.Flagged())

	confident, err := st.ListChanges(ctx, ChangeFilter{MinConfidence: 0.7})
	require.NoError(t, err)
	assert.Len(t, confident, 2)

	bySource, err := st.ListChanges(ctx, ChangeFilter{Source: "analysis"})
	require.NoError(t, err)
	assert.Len(t, bySource, 1)

	n, err := st.CountChanges(ctx, ChangeFilter{RecordID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := st.GetChanges(ctx, []string{created[0].ID, created[2].ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLite_CreateChanges_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	out, err := st.CreateChanges(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestSQLite_DecideChange_ForwardOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := seedRequest(t, st, "r1")
	created, err := st.CreateChanges(ctx, sampleChanges(req.ID, "r1"))
	require.NoError(t, err)
	id := created[0].ID

	require.NoError(t, st.DecideChange(ctx, id, model.ChangeDecision{Status: model.ChangeApproved, ActorID: "alice"}))

	got, err := st.GetChanges(ctx, []string{id})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ChangeApproved, got[0].Status)
	assert.Equal(t, "alice", got[0].ApprovedBy)
	require.NotNil(t, got[0].ApprovedAt)

	err = st.DecideChange(ctx, id, model.ChangeDecision{Status: model.ChangeRejected, ActorID: "bob"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = st.DecideChange(ctx, created[1].ID, model.ChangeDecision{Status: model.ChangePending})
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = st.DecideChange(ctx, "missing", model.ChangeDecision{Status: model.ChangeApproved})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DecideChange_ConcurrentOnlyOneWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := seedRequest(t, st, "r1")
	created, err := st.CreateChanges(ctx, sampleChanges(req.ID, "r1")[:1])
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.DecideChange(ctx, created[0].ID, model.ChangeDecision{Status: model.ChangeApproved, ActorID: "x"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLite_MarkChangesRolledBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	req := seedRequest(t, st, "r1")
	created, err := st.CreateChanges(ctx, sampleChanges(req.ID, "r1"))
	require.NoError(t, err)

	require.NoError(t, st.DecideChange(ctx, created[0].ID, model.ChangeDecision{Status: model.ChangeApproved, ActorID: "a"}))
	require.NoError(t, st.DecideChange(ctx, created[1].ID, model.ChangeDecision{Status: model.ChangeRejected, ActorID: "a", Reason: "bad"}))

	n, err := st.MarkChangesRolledBack(ctx, []string{created[0].ID, created[1].ID, created[2].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only applied changes roll back")

	got, err := st.GetChanges(ctx, []string{created[0].ID, created[1].ID, created[2].ID})
	require.NoError(t, err)
	statuses := map[string]model.ChangeStatus{}
	for _, c := range got {
		statuses[c.ID] = c.Status
	}
	assert.Equal(t, model.ChangeRolledBack, statuses[created[0].ID])
	assert.Equal(t, model.ChangeRejected, statuses[created[1].ID])
	assert.Equal(t, model.ChangePending, statuses[created[2].ID])

	n, err = st.MarkChangesRolledBack(ctx, []string{created[0].ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Rollback ---

func TestSQLite_RollbackPoints(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := &model.RollbackPoint{
		TargetRecordID:   "r1",
		SnapshotData:     map[string]any{"name": "Old"},
		AppliedChangeIDs: []string{"c0"},
		CreatedBy:        "alice",
		CreatedAt:        time.Now().UTC().Add(-100 * 24 * time.Hour),
	}
	require.NoError(t, st.CreateRollbackPoint(ctx, old))

	recent := &model.RollbackPoint{
		TargetRecordID:   "r1",
		RequestID:        "req-1",
		SnapshotData:     map[string]any{"name": "Sauvage EDT", "top_notes": nil},
		AppliedChangeIDs: []string{"c1", "c2"},
		CreatedBy:        "alice",
	}
	require.NoError(t, st.CreateRollbackPoint(ctx, recent))
	assert.NotEmpty(t, recent.ID)

	got, err := st.GetRollbackPoint(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sauvage EDT", got.SnapshotData["name"])
	assert.Contains(t, got.SnapshotData, "top_notes")
	assert.Nil(t, got.SnapshotData["top_notes"])
	assert.Equal(t, []string{"c1", "c2"}, got.AppliedChangeIDs)

	list, err := st.ListRollbackPoints(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, recent.ID, list[0].ID, "newest first")

	n, err := st.DeleteRollbackPointsBefore(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetRollbackPoint(ctx, old.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RollbackHistory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendRollbackHistory(ctx, &model.RollbackHistoryEntry{
		RollbackPointID: "p1", TargetRecordID: "r1", ActorID: "alice", Reason: "bad data",
		Success: true, RevertedFields: []string{"name"},
	}))
	require.NoError(t, st.AppendRollbackHistory(ctx, &model.RollbackHistoryEntry{
		RollbackPointID: "p1", TargetRecordID: "r1", ActorID: "bob", Reason: "again",
		Success: false, Errors: []string{"record store unavailable"},
	}))

	hist, err := st.ListRollbackHistory(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Success)
	assert.Equal(t, []string{"name"}, hist[0].RevertedFields)
	assert.False(t, hist[1].Success)
	assert.Equal(t, []string{"record store unavailable"}, hist[1].Errors)
	assert.Empty(t, hist[1].RevertedFields)
}

// --- Jobs ---

func TestSQLite_SaveAndGetJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &model.BulkJob{
		ID:      "job-1",
		Targets: []string{"r1", "r2"},
		Settings: model.JobSettings{
			Mode: model.ModeHybrid, BatchSize: 10, MaxConcurrent: 3,
			Sources: []string{"scrape", "anthropic"},
		},
		Status:    model.JobPending,
		Progress:  model.JobProgress{Total: 2},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.SaveJob(ctx, job))

	job.Status = model.JobCompleted
	job.Progress.Completed = 1
	job.Progress.Skipped = 1
	job.Skipped = []model.SkippedItem{{RecordID: "r2", Reason: "Budget exceeded"}}
	job.StartedAt = &now
	job.CompletedAt = &now
	require.NoError(t, st.SaveJob(ctx, job))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, []string{"r1", "r2"}, got.Targets)
	assert.Equal(t, model.ModeHybrid, got.Settings.Mode)
	assert.Equal(t, 2, got.Progress.Done())
	require.Len(t, got.Skipped, 1)
	assert.Equal(t, "Budget exceeded", got.Skipped[0].Reason)
	require.NotNil(t, got.CompletedAt)

	list, err := st.ListJobs(ctx, JobFilter{Status: model.JobCompleted})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = st.GetJob(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

// --- Budget ---

func TestSQLite_Budget_ClampsAtCeiling(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b, err := st.GetBudget(ctx, "2026-10", 1.0)
	require.NoError(t, err)
	assert.Zero(t, b.SpentUSD)
	assert.Equal(t, 1.0, b.CeilingUSD)

	b, err = st.AddSpend(ctx, "2026-10", 0.6, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, b.SpentUSD, 1e-9)

	b, err = st.AddSpend(ctx, "2026-10", 0.6, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, b.SpentUSD, 1e-9)
	assert.Zero(t, b.Remaining())

	// A lowered ceiling never reduces recorded spend.
	b, err = st.AddSpend(ctx, "2026-10", 0.1, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, b.SpentUSD, 1e-9)

	_, err = st.AddSpend(ctx, "2026-10", -1, 1.0)
	require.Error(t, err)
}

func TestSQLite_Budget_NewPeriodStartsAtZero(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.AddSpend(ctx, "2026-09", 3, 10)
	require.NoError(t, err)

	b, err := st.GetBudget(ctx, "2026-10", 10)
	require.NoError(t, err)
	assert.Zero(t, b.SpentUSD)

	first, err := st.AddSpend(ctx, "2026-11", 20, 10)
	require.NoError(t, err)
	assert.InDelta(t, 10, first.SpentUSD, 1e-9, "insert path clamps too")
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Ping(context.Background()))
}

func TestMergeFields(t *testing.T) {
	out := mergeFields(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": nil, "c": 3, "created_at": "x"},
	)
	assert.Equal(t, map[string]any{"a": 1, "c": 3}, out)
}

func TestRequestSourcesFor(t *testing.T) {
	assert.ElementsMatch(t, []model.RequestStatus{model.RequestPending}, requestSourcesFor(model.RequestProcessing))
	assert.ElementsMatch(t,
		[]model.RequestStatus{model.RequestPending, model.RequestProcessing},
		requestSourcesFor(model.RequestFailed))
	assert.Empty(t, requestSourcesFor(model.RequestPending))
}
