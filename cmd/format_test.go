package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-curator/internal/approval"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/orchestrator"
)

func TestFormatJobsList(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	jobs := []model.BulkJob{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Status:    model.JobCompleted,
			Settings:  model.JobSettings{Mode: model.ModeHybrid},
			Progress:  model.JobProgress{Total: 4, Completed: 3, Failed: 1, SpentUSD: 0.0425},
			CreatedAt: now,
		},
		{
			ID:        "def",
			Status:    model.JobPaused,
			Settings:  model.JobSettings{Mode: model.ModeScrape},
			Progress:  model.JobProgress{Total: 10, Completed: 2, Skipped: 1},
			CreatedAt: now,
		},
	}

	var buf bytes.Buffer
	formatJobsList(&buf, jobs)

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "hybrid")
	assert.Contains(t, out, "4/4")
	assert.Contains(t, out, "$0.0425")
	assert.Contains(t, out, "3/10")
	assert.Contains(t, out, "2026-03-02 09:15")
}

func TestFormatJobSummary(t *testing.T) {
	job := &model.BulkJob{
		ID:       "job-1",
		Status:   model.JobFailed,
		Progress: model.JobProgress{Total: 3, Completed: 1, Skipped: 2},
		Errors:   []string{"store: insert change: disk full"},
	}

	var buf bytes.Buffer
	formatJobSummary(&buf, job)

	out := buf.String()
	assert.Contains(t, out, "Job job-1 failed: 3/3 done (1 completed, 0 failed, 2 skipped)")
	assert.Contains(t, out, "error: store: insert change: disk full")
}

func TestFormatChangesList(t *testing.T) {
	changes := []model.EnhancementChange{
		{
			ID:              "c1",
			RecordID:        "r1",
			FieldName:       "top_notes",
			ChangeType:      model.ChangeEnhancement,
			ConfidenceScore: 0.8123,
			Source:          "scrape",
			NewValue:        []any{"bergamot", "lemon"},
		},
		{
			ID:               "c2",
			RecordID:         "r1",
			FieldName:        "year",
			ChangeType:       model.ChangeCorrection,
			ConfidenceScore:  0.4,
			Source:           "analysis",
			NewValue:         3000,
			ValidationErrors: []string{"year out of range"},
		},
	}

	var buf bytes.Buffer
	formatChangesList(&buf, changes)

	out := buf.String()
	assert.Contains(t, out, "FIELD")
	assert.Contains(t, out, "top_notes")
	assert.Contains(t, out, `["bergamot","lemon"]`)
	assert.Contains(t, out, "0.81")
	assert.Contains(t, out, "1 validation error(s)")
}

func TestFormatApplyResult(t *testing.T) {
	res := &approval.ApplyResult{
		AppliedCount:     2,
		RecordIDs:        []string{"r1"},
		RollbackPointIDs: []string{"p1"},
		Errors:           []approval.ChangeError{{ChangeID: "c3", Reason: "stale: record changed since detection"}},
	}

	var buf bytes.Buffer
	formatApplyResult(&buf, res)

	out := buf.String()
	assert.Contains(t, out, "Applied 2 change(s) across 1 record(s)")
	assert.Contains(t, out, "rollback point: p1")
	assert.Contains(t, out, "c3: stale")
}

func TestFormatRollbackPoints(t *testing.T) {
	points := []model.RollbackPoint{{
		ID:               "p1",
		TargetRecordID:   "r1",
		SnapshotData:     map[string]any{"year": nil, "brand": "Guerlain"},
		AppliedChangeIDs: []string{"c1", "c2"},
		CreatedBy:        "alice",
		CreatedAt:        time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	formatRollbackPoints(&buf, points)

	out := buf.String()
	assert.Contains(t, out, "brand,year")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "2026-01-05 12:00")
	// No request ID renders as a dash.
	assert.Contains(t, out, " - ")
}

func TestFormatRollbackResult(t *testing.T) {
	var buf bytes.Buffer
	formatRollbackResult(&buf, &model.RollbackResult{
		RecordID:          "r1",
		Success:           true,
		RevertedFields:    []string{"brand", "year"},
		RolledBackChanges: 2,
		HistoryID:         "h1",
	})
	out := buf.String()
	assert.Contains(t, out, "Rollback succeeded for record r1: 2 field(s) reverted, 2 change(s) rolled back")
	assert.Contains(t, out, "fields: brand, year")
	assert.Contains(t, out, "history: h1")

	buf.Reset()
	formatRollbackResult(&buf, &model.RollbackResult{RecordID: "r1", Errors: []string{"record not found"}})
	assert.Contains(t, buf.String(), "Rollback failed")
	assert.Contains(t, buf.String(), "error: record not found")
}

func TestFormatStats(t *testing.T) {
	var buf bytes.Buffer
	formatStats(&buf, &orchestrator.Stats{
		QueueDepth:        7,
		InFlight:          2,
		Jobs:              map[model.JobStatus]int{model.JobRunning: 1, model.JobCompleted: 3},
		ItemsCompleted:    9,
		ItemsFailed:       1,
		SuccessRate:       0.9,
		SpendToDateUSD:    12.5,
		MonthlyCeilingUSD: 50,
		RemainingUSD:      37.5,
		PendingChanges:    42,
	})

	out := buf.String()
	assert.Contains(t, out, "Queue depth:      7")
	assert.Contains(t, out, "Success rate:     90.0%")
	assert.Contains(t, out, "$12.50 of $50.00 ($37.50 remaining)")
	assert.Contains(t, out, "Pending changes:  42")
	// Statuses are listed alphabetically.
	assert.Less(t, strings.Index(out, "completed"), strings.Index(out, "running"))
}

func TestParseTargets(t *testing.T) {
	in := "r1\n\n# comment\n  r2  \nr3\n"
	got, err := parseTargets(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, got)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, `"short"`, preview("short", 20))
	long := preview(strings.Repeat("a", 100), 10)
	assert.Len(t, []rune(long), 10)
	assert.True(t, strings.HasSuffix(long, "..."))
}
