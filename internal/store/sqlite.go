package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-curator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	fields     TEXT NOT NULL DEFAULT '{}',
	verified   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS enhancement_requests (
	id                   TEXT PRIMARY KEY,
	job_id               TEXT NOT NULL DEFAULT '',
	target_record_id     TEXT NOT NULL,
	requested_by         TEXT NOT NULL DEFAULT '',
	enhancement_mode     TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'pending',
	priority             INTEGER NOT NULL DEFAULT 0,
	confidence_threshold REAL NOT NULL DEFAULT 0,
	error_message        TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL,
	started_at           DATETIME,
	completed_at         DATETIME
);

CREATE TABLE IF NOT EXISTS enhancement_changes (
	id                TEXT PRIMARY KEY,
	request_id        TEXT NOT NULL REFERENCES enhancement_requests(id),
	record_id         TEXT NOT NULL,
	field_name        TEXT NOT NULL,
	old_value         TEXT,
	new_value         TEXT,
	change_type       TEXT NOT NULL,
	confidence_score  REAL NOT NULL,
	source            TEXT NOT NULL,
	source_url        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	approved_by       TEXT NOT NULL DEFAULT '',
	approved_at       DATETIME,
	rejection_reason  TEXT NOT NULL DEFAULT '',
	validation_errors TEXT NOT NULL DEFAULT '[]',
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rollback_points (
	id                 TEXT PRIMARY KEY,
	target_record_id   TEXT NOT NULL,
	request_id         TEXT NOT NULL DEFAULT '',
	snapshot_data      TEXT NOT NULL,
	applied_change_ids TEXT NOT NULL DEFAULT '[]',
	created_by         TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rollback_history (
	id                TEXT PRIMARY KEY,
	rollback_point_id TEXT NOT NULL,
	target_record_id  TEXT NOT NULL,
	actor_id          TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL DEFAULT '',
	success           INTEGER NOT NULL,
	reverted_fields   TEXT NOT NULL DEFAULT '[]',
	errors            TEXT NOT NULL DEFAULT '[]',
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS bulk_jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	targets      TEXT NOT NULL,
	settings     TEXT NOT NULL,
	progress     TEXT NOT NULL,
	errors       TEXT NOT NULL DEFAULT '[]',
	skipped      TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_ledger (
	period      TEXT PRIMARY KEY,
	spent_usd   REAL NOT NULL DEFAULT 0,
	ceiling_usd REAL NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_job ON enhancement_requests(job_id);
CREATE INDEX IF NOT EXISTS idx_requests_record ON enhancement_requests(target_record_id);
CREATE INDEX IF NOT EXISTS idx_changes_status ON enhancement_changes(status);
CREATE INDEX IF NOT EXISTS idx_changes_request ON enhancement_changes(request_id);
CREATE INDEX IF NOT EXISTS idx_changes_record ON enhancement_changes(record_id);
CREATE INDEX IF NOT EXISTS idx_rollback_points_record ON rollback_points(target_record_id);
CREATE INDEX IF NOT EXISTS idx_rollback_points_created ON rollback_points(created_at);
CREATE INDEX IF NOT EXISTS idx_rollback_history_point ON rollback_history(rollback_point_id);
CREATE INDEX IF NOT EXISTS idx_bulk_jobs_status ON bulk_jobs(status);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- records ---

func (s *SQLiteStore) PutRecord(ctx context.Context, rec *model.Record) error {
	fieldsJSON, err := marshalJSON(mergeFields(nil, rec.Fields), "record fields")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, fields, verified, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fields = excluded.fields, verified = excluded.verified, updated_at = excluded.updated_at`,
		rec.ID, fieldsJSON, rec.Verified, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put record %s", rec.ID)
	}
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fields, verified, updated_at FROM records WHERE id = ?`, id)
	return scanRecord(row, id)
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, fields map[string]any) (*model.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin update record")
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT id, fields, verified, updated_at FROM records WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}

	rec.Fields = mergeFields(rec.Fields, fields)
	fieldsJSON, err := marshalJSON(rec.Fields, "record fields")
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET fields = ?, updated_at = ? WHERE id = ?`,
		fieldsJSON, rec.UpdatedAt, id,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: update record %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit update record")
	}
	return rec, nil
}

func scanRecord(row scannable, id string) (*model.Record, error) {
	var rec model.Record
	var fieldsJSON string
	err := row.Scan(&rec.ID, &fieldsJSON, &rec.Verified, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}
	rec.Fields = map[string]any{}
	if err := unmarshalJSON(fieldsJSON, &rec.Fields, "record fields"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- requests ---

const requestColumns = `id, job_id, target_record_id, requested_by, enhancement_mode, status, priority,
	confidence_threshold, error_message, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.EnhancementRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = model.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enhancement_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.JobID, req.TargetRecordID, req.RequestedBy, string(req.Mode), string(req.Status),
		req.Priority, req.ConfidenceThreshold, req.ErrorMessage, req.CreatedAt,
		nullTime(req.StartedAt), nullTime(req.CompletedAt),
	)
	return eris.Wrapf(err, "sqlite: insert request %s", req.ID)
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.EnhancementRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM enhancement_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "request %s", id)
	}
	return req, err
}

func (s *SQLiteStore) TransitionRequest(ctx context.Context, id string, to model.RequestStatus, errMsg string) error {
	from := requestSourcesFor(to)
	if len(from) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "request %s -> %s", id, to)
	}
	now := time.Now().UTC()

	query := `UPDATE enhancement_requests SET status = ?, error_message = ?`
	args := []any{string(to), errMsg}
	if to == model.RequestProcessing {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if to.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition request %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.missingOrInvalid(ctx, "enhancement_requests", id)
	}
	return nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnhancementRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM enhancement_requests WHERE 1=1`
	var args []any

	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.RecordID != "" {
		query += ` AND target_record_id = ?`
		args = append(args, filter.RecordID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requests")
	}
	defer rows.Close()

	var out []model.EnhancementRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list requests iterate")
}

func scanRequest(row scannable) (*model.EnhancementRequest, error) {
	var r model.EnhancementRequest
	var started, completed sql.NullTime
	err := row.Scan(&r.ID, &r.JobID, &r.TargetRecordID, &r.RequestedBy, &r.Mode, &r.Status, &r.Priority,
		&r.ConfidenceThreshold, &r.ErrorMessage, &r.CreatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan request")
	}
	r.StartedAt = fromNullTime(started)
	r.CompletedAt = fromNullTime(completed)
	return &r, nil
}

// --- changes ---

const changeColumns = `id, request_id, record_id, field_name, old_value, new_value, change_type,
	confidence_score, source, source_url, status, approved_by, approved_at, rejection_reason,
	validation_errors, created_at`

func (s *SQLiteStore) CreateChanges(ctx context.Context, changes []model.EnhancementChange) ([]model.EnhancementChange, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create changes")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO enhancement_changes (`+changeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare insert change")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	out := make([]model.EnhancementChange, len(changes))
	for i, c := range changes {
		prepareChange(&c, now)
		vals, err := changeJSON(&c)
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.RequestID, c.RecordID, c.FieldName, vals.old, vals.new, string(c.ChangeType),
			c.ConfidenceScore, c.Source, c.SourceURL, string(c.Status), c.ApprovedBy, nullTime(c.ApprovedAt),
			c.RejectionReason, vals.validation, c.CreatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert change %s", c.FieldName)
		}
		out[i] = c
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create changes")
	}
	return out, nil
}

func (s *SQLiteStore) GetChanges(ctx context.Context, ids []string) ([]model.EnhancementChange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM enhancement_changes WHERE id IN (`+placeholders(len(ids))+`) ORDER BY created_at, id`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get changes")
	}
	defer rows.Close()
	return collectChanges(rows)
}

func (s *SQLiteStore) ListChanges(ctx context.Context, filter ChangeFilter) ([]model.EnhancementChange, error) {
	where, args := sqliteChangeWhere(filter)
	query := `SELECT ` + changeColumns + ` FROM enhancement_changes` + where +
		` ORDER BY confidence_score DESC, created_at ASC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list changes")
	}
	defer rows.Close()
	return collectChanges(rows)
}

func (s *SQLiteStore) CountChanges(ctx context.Context, filter ChangeFilter) (int, error) {
	where, args := sqliteChangeWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enhancement_changes`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count changes")
}

func sqliteChangeWhere(filter ChangeFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.RequestID != "" {
		where += ` AND request_id = ?`
		args = append(args, filter.RequestID)
	}
	if filter.RecordID != "" {
		where += ` AND record_id = ?`
		args = append(args, filter.RecordID)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		where += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.MinConfidence > 0 {
		where += ` AND confidence_score >= ?`
		args = append(args, filter.MinConfidence)
	}
	return where, args
}

func (s *SQLiteStore) DecideChange(ctx context.Context, id string, d model.ChangeDecision) error {
	if !d.Status.IsDecided() {
		return eris.Wrapf(ErrInvalidTransition, "change %s -> %s", id, d.Status)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enhancement_changes SET status = ?, approved_by = ?, approved_at = ?, rejection_reason = ?
		 WHERE id = ? AND status = ?`,
		string(d.Status), d.ActorID, d.DecidedAt, d.Reason, id, string(model.ChangePending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: decide change %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.missingOrInvalid(ctx, "enhancement_changes", id)
	}
	return nil
}

func (s *SQLiteStore) MarkChangesRolledBack(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(model.ChangeRolledBack)}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(model.ChangeApproved), string(model.ChangeAutoApproved))
	res, err := s.db.ExecContext(ctx,
		`UPDATE enhancement_changes SET status = ? WHERE id IN (`+placeholders(len(ids))+`) AND status IN (?, ?)`,
		args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark changes rolled back")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func collectChanges(rows *sql.Rows) ([]model.EnhancementChange, error) {
	var out []model.EnhancementChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate changes")
}

func scanChange(row scannable) (*model.EnhancementChange, error) {
	var c model.EnhancementChange
	var oldJSON, newJSON sql.NullString
	var validationJSON string
	var approvedAt sql.NullTime
	err := row.Scan(&c.ID, &c.RequestID, &c.RecordID, &c.FieldName, &oldJSON, &newJSON, &c.ChangeType,
		&c.ConfidenceScore, &c.Source, &c.SourceURL, &c.Status, &c.ApprovedBy, &approvedAt, &c.RejectionReason,
		&validationJSON, &c.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan change")
	}
	if c.OldValue, err = decodeValue(oldJSON.String); err != nil {
		return nil, err
	}
	if c.NewValue, err = decodeValue(newJSON.String); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(validationJSON, &c.ValidationErrors, "validation errors"); err != nil {
		return nil, err
	}
	c.ApprovedAt = fromNullTime(approvedAt)
	return &c, nil
}

// --- rollback ---

func (s *SQLiteStore) CreateRollbackPoint(ctx context.Context, p *model.RollbackPoint) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	snapJSON, err := marshalJSON(p.SnapshotData, "snapshot")
	if err != nil {
		return err
	}
	idsJSON, err := marshalJSON(nonNil(p.AppliedChangeIDs), "applied change ids")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollback_points (id, target_record_id, request_id, snapshot_data, applied_change_ids, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TargetRecordID, p.RequestID, snapJSON, idsJSON, p.CreatedBy, p.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert rollback point %s", p.ID)
}

func (s *SQLiteStore) GetRollbackPoint(ctx context.Context, id string) (*model.RollbackPoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target_record_id, request_id, snapshot_data, applied_change_ids, created_by, created_at
		 FROM rollback_points WHERE id = ?`, id)
	p, err := scanRollbackPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rollback point %s", id)
	}
	return p, err
}

func (s *SQLiteStore) ListRollbackPoints(ctx context.Context, recordID string) ([]model.RollbackPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_record_id, request_id, snapshot_data, applied_change_ids, created_by, created_at
		 FROM rollback_points WHERE target_record_id = ? ORDER BY created_at DESC`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rollback points")
	}
	defer rows.Close()

	var out []model.RollbackPoint
	for rows.Next() {
		p, err := scanRollbackPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rollback points iterate")
}

func (s *SQLiteStore) DeleteRollbackPointsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rollback_points WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete rollback points")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func scanRollbackPoint(row scannable) (*model.RollbackPoint, error) {
	var p model.RollbackPoint
	var snapJSON, idsJSON string
	err := row.Scan(&p.ID, &p.TargetRecordID, &p.RequestID, &snapJSON, &idsJSON, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan rollback point")
	}
	if err := unmarshalJSON(snapJSON, &p.SnapshotData, "snapshot"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(idsJSON, &p.AppliedChangeIDs, "applied change ids"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) AppendRollbackHistory(ctx context.Context, e *model.RollbackHistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	revertedJSON, err := marshalJSON(nonNil(e.RevertedFields), "reverted fields")
	if err != nil {
		return err
	}
	errorsJSON, err := marshalJSON(nonNil(e.Errors), "rollback errors")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollback_history (id, rollback_point_id, target_record_id, actor_id, reason, success, reverted_fields, errors, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RollbackPointID, e.TargetRecordID, e.ActorID, e.Reason, e.Success, revertedJSON, errorsJSON, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert rollback history %s", e.ID)
}

func (s *SQLiteStore) ListRollbackHistory(ctx context.Context, pointID string) ([]model.RollbackHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rollback_point_id, target_record_id, actor_id, reason, success, reverted_fields, errors, created_at
		 FROM rollback_history WHERE rollback_point_id = ? ORDER BY created_at ASC`, pointID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rollback history")
	}
	defer rows.Close()

	var out []model.RollbackHistoryEntry
	for rows.Next() {
		var e model.RollbackHistoryEntry
		var revertedJSON, errorsJSON string
		if err := rows.Scan(&e.ID, &e.RollbackPointID, &e.TargetRecordID, &e.ActorID, &e.Reason, &e.Success,
			&revertedJSON, &errorsJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rollback history")
		}
		if err := unmarshalJSON(revertedJSON, &e.RevertedFields, "reverted fields"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(errorsJSON, &e.Errors, "rollback errors"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rollback history iterate")
}

// --- jobs ---

const jobColumns = `id, status, targets, settings, progress, errors, skipped, created_at, started_at, completed_at, updated_at`

func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.BulkJob) error {
	cols, err := jobJSON(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bulk_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, progress = excluded.progress,
		   errors = excluded.errors, skipped = excluded.skipped, started_at = excluded.started_at,
		   completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
		job.ID, string(job.Status), cols.targets, cols.settings, cols.progress, cols.errors, cols.skipped,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt), job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.BulkJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM bulk_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BulkJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bulk_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.BulkJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func scanJob(row scannable) (*model.BulkJob, error) {
	var j model.BulkJob
	var raw jobColumnsJSON
	var started, completed sql.NullTime
	err := row.Scan(&j.ID, &j.Status, &raw.targets, &raw.settings, &raw.progress, &raw.errors, &raw.skipped,
		&j.CreatedAt, &started, &completed, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	if err := raw.decode(&j); err != nil {
		return nil, err
	}
	j.StartedAt = fromNullTime(started)
	j.CompletedAt = fromNullTime(completed)
	return &j, nil
}

// --- budget ---

func (s *SQLiteStore) GetBudget(ctx context.Context, period string, ceiling float64) (*model.BudgetState, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO budget_ledger (period, spent_usd, ceiling_usd, updated_at) VALUES (?, 0, ?, ?)
		 ON CONFLICT(period) DO UPDATE SET ceiling_usd = excluded.ceiling_usd
		 RETURNING period, spent_usd, ceiling_usd, updated_at`,
		period, ceiling, time.Now().UTC(),
	)
	return scanBudget(row)
}

func (s *SQLiteStore) AddSpend(ctx context.Context, period string, amount, ceiling float64) (*model.BudgetState, error) {
	if amount < 0 {
		return nil, eris.Errorf("sqlite: negative spend %f", amount)
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO budget_ledger (period, spent_usd, ceiling_usd, updated_at) VALUES (?, MIN(?, ?), ?, ?)
		 ON CONFLICT(period) DO UPDATE SET
		   spent_usd = MAX(budget_ledger.spent_usd, MIN(budget_ledger.spent_usd + ?, excluded.ceiling_usd)),
		   ceiling_usd = excluded.ceiling_usd,
		   updated_at = excluded.updated_at
		 RETURNING period, spent_usd, ceiling_usd, updated_at`,
		period, amount, ceiling, ceiling, time.Now().UTC(), amount,
	)
	return scanBudget(row)
}

func scanBudget(row scannable) (*model.BudgetState, error) {
	var b model.BudgetState
	if err := row.Scan(&b.Period, &b.SpentUSD, &b.CeilingUSD, &b.UpdatedAt); err != nil {
		return nil, eris.Wrap(err, "store: scan budget")
	}
	return &b, nil
}

// --- helpers ---

// missingOrInvalid distinguishes a missing row from a failed conditional
// update after an UPDATE matched nothing.
func (s *SQLiteStore) missingOrInvalid(ctx context.Context, table, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "%s %s", table, id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: lookup %s", id)
	}
	return eris.Wrapf(ErrInvalidTransition, "%s %s is %s", table, id, status)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return timePtr(t.Time)
}
