package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-curator/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidTransition is returned when a conditional status update
	// matched no row because the current status forbids the move.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// RecordStore reads and partially updates catalog records.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	// UpdateRecord merges fields into the record. A nil value removes the
	// field. System fields are ignored.
	UpdateRecord(ctx context.Context, id string, fields map[string]any) (*model.Record, error)
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	JobID    string
	RecordID string
	Status   model.RequestStatus
	Limit    int
	Offset   int
}

// ChangeFilter narrows ListChanges and CountChanges.
type ChangeFilter struct {
	RequestID     string
	RecordID      string
	Status        model.ChangeStatus
	Source        string
	MinConfidence float64
	Limit         int
	Offset        int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status model.JobStatus
	Limit  int
	Offset int
}

// ChangeStore persists enhancement requests and their proposed changes.
type ChangeStore interface {
	CreateRequest(ctx context.Context, req *model.EnhancementRequest) error
	GetRequest(ctx context.Context, id string) (*model.EnhancementRequest, error)
	// TransitionRequest moves a request to status `to` only when its current
	// status allows it, stamping started_at/completed_at.
	TransitionRequest(ctx context.Context, id string, to model.RequestStatus, errMsg string) error
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnhancementRequest, error)

	// CreateChanges inserts changes in one transaction, assigning ids and
	// created_at. The returned slice carries the assigned values.
	CreateChanges(ctx context.Context, changes []model.EnhancementChange) ([]model.EnhancementChange, error)
	GetChanges(ctx context.Context, ids []string) ([]model.EnhancementChange, error)
	ListChanges(ctx context.Context, filter ChangeFilter) ([]model.EnhancementChange, error)
	CountChanges(ctx context.Context, filter ChangeFilter) (int, error)
	// DecideChange moves a pending change to an approver's verdict. A change
	// that is no longer pending yields ErrInvalidTransition.
	DecideChange(ctx context.Context, id string, d model.ChangeDecision) error
	// MarkChangesRolledBack moves applied changes to rolled_back and returns
	// how many moved. Changes in any other status are left alone.
	MarkChangesRolledBack(ctx context.Context, ids []string) (int, error)
}

// RollbackStore persists snapshots and the rollback audit trail.
type RollbackStore interface {
	CreateRollbackPoint(ctx context.Context, p *model.RollbackPoint) error
	GetRollbackPoint(ctx context.Context, id string) (*model.RollbackPoint, error)
	ListRollbackPoints(ctx context.Context, recordID string) ([]model.RollbackPoint, error)
	DeleteRollbackPointsBefore(ctx context.Context, cutoff time.Time) (int, error)
	AppendRollbackHistory(ctx context.Context, e *model.RollbackHistoryEntry) error
	ListRollbackHistory(ctx context.Context, pointID string) ([]model.RollbackHistoryEntry, error)
}

// JobStore persists bulk jobs.
type JobStore interface {
	// SaveJob inserts or replaces the job row.
	SaveJob(ctx context.Context, job *model.BulkJob) error
	GetJob(ctx context.Context, id string) (*model.BulkJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.BulkJob, error)
}

// BudgetStore persists the monthly spend row.
type BudgetStore interface {
	// GetBudget returns the row for period, creating it at zero spend when
	// missing. The stored ceiling is refreshed to ceiling.
	GetBudget(ctx context.Context, period string, ceiling float64) (*model.BudgetState, error)
	// AddSpend atomically increments spend for period, clamped so spend never
	// exceeds the ceiling, and returns the new row.
	AddSpend(ctx context.Context, period string, amount, ceiling float64) (*model.BudgetState, error)
}

// Store is the full persistence surface of the curator.
type Store interface {
	RecordStore
	ChangeStore
	RollbackStore
	JobStore
	BudgetStore

	// PutRecord inserts or replaces a record. Used for seeding and tests; the
	// pipeline itself only uses UpdateRecord.
	PutRecord(ctx context.Context, rec *model.Record) error

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Pool is the subset of pgxpool.Pool used by PostgresStore, so pgxmock can
// stand in for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type scannable interface {
	Scan(dest ...any) error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// mergeFields applies a partial update onto current, dropping system fields
// and deleting keys whose new value is nil.
func mergeFields(current, update map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(update))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range update {
		if model.IsSystemField(k) {
			continue
		}
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func marshalJSON(v any, what string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrapf(err, "store: marshal %s", what)
	}
	return string(b), nil
}

func unmarshalJSON(data string, v any, what string) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return eris.Wrapf(err, "store: unmarshal %s", what)
	}
	return nil
}

// decodeValue turns a stored JSON value column back into a JSON-shaped value.
func decodeValue(data string) (any, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal change value")
	}
	return v, nil
}

func timePtr(t time.Time) *time.Time { return &t }

// requestSourcesFor lists the statuses from which a request may move to `to`.
func requestSourcesFor(to model.RequestStatus) []model.RequestStatus {
	var from []model.RequestStatus
	for _, s := range []model.RequestStatus{
		model.RequestPending, model.RequestProcessing, model.RequestCompleted,
		model.RequestFailed, model.RequestCancelled,
	} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

func prepareChange(c *model.EnhancementChange, now time.Time) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = model.ChangePending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
}

type changeValues struct {
	old, new, validation string
}

func changeJSON(c *model.EnhancementChange) (changeValues, error) {
	var v changeValues
	var err error
	if v.old, err = marshalJSON(c.OldValue, "old value"); err != nil {
		return v, err
	}
	if v.new, err = marshalJSON(c.NewValue, "new value"); err != nil {
		return v, err
	}
	v.validation, err = marshalJSON(nonNil(c.ValidationErrors), "validation errors")
	return v, err
}

type jobColumnsJSON struct {
	targets, settings, progress, errors, skipped string
}

func jobJSON(j *model.BulkJob) (jobColumnsJSON, error) {
	var c jobColumnsJSON
	var err error
	if c.targets, err = marshalJSON(nonNil(j.Targets), "job targets"); err != nil {
		return c, err
	}
	if c.settings, err = marshalJSON(j.Settings, "job settings"); err != nil {
		return c, err
	}
	if c.progress, err = marshalJSON(j.Progress, "job progress"); err != nil {
		return c, err
	}
	if c.errors, err = marshalJSON(nonNil(j.Errors), "job errors"); err != nil {
		return c, err
	}
	skipped := j.Skipped
	if skipped == nil {
		skipped = []model.SkippedItem{}
	}
	c.skipped, err = marshalJSON(skipped, "job skipped")
	return c, err
}

func (c jobColumnsJSON) decode(j *model.BulkJob) error {
	if err := unmarshalJSON(c.targets, &j.Targets, "job targets"); err != nil {
		return err
	}
	if err := unmarshalJSON(c.settings, &j.Settings, "job settings"); err != nil {
		return err
	}
	if err := unmarshalJSON(c.progress, &j.Progress, "job progress"); err != nil {
		return err
	}
	if err := unmarshalJSON(c.errors, &j.Errors, "job errors"); err != nil {
		return err
	}
	return unmarshalJSON(c.skipped, &j.Skipped, "job skipped")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
