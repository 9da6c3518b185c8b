package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-curator/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_record":     `SELECT id, fields::text, verified, updated_at FROM records WHERE id = $1`,
	"get_request":    `SELECT ` + requestColumns + ` FROM enhancement_requests WHERE id = $1`,
	"decide_change":  `UPDATE enhancement_changes SET status = $1, approved_by = $2, approved_at = $3, rejection_reason = $4 WHERE id = $5 AND status = $6`,
	"get_rollback":   `SELECT id, target_record_id, request_id, snapshot_data::text, applied_change_ids::text, created_by, created_at FROM rollback_points WHERE id = $1`,
	"get_job":        `SELECT ` + pgJobColumns + ` FROM bulk_jobs WHERE id = $1`,
	"budget_current": `SELECT period, spent_usd, ceiling_usd, updated_at FROM budget_ledger WHERE period = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr interface{ SQLState() string }
				if errors.As(err, &pgErr) && pgErr.SQLState() == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	verified   BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enhancement_requests (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id               TEXT NOT NULL DEFAULT '',
	target_record_id     TEXT NOT NULL,
	requested_by         TEXT NOT NULL DEFAULT '',
	enhancement_mode     TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'pending',
	priority             INTEGER NOT NULL DEFAULT 0,
	confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message        TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	CHECK (completed_at IS NULL OR started_at IS NULL OR started_at <= completed_at)
);

CREATE TABLE IF NOT EXISTS enhancement_changes (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id        TEXT NOT NULL REFERENCES enhancement_requests(id),
	record_id         TEXT NOT NULL,
	field_name        TEXT NOT NULL,
	old_value         JSONB,
	new_value         JSONB,
	change_type       TEXT NOT NULL,
	confidence_score  DOUBLE PRECISION NOT NULL CHECK (confidence_score BETWEEN 0 AND 1),
	source            TEXT NOT NULL,
	source_url        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	approved_by       TEXT NOT NULL DEFAULT '',
	approved_at       TIMESTAMPTZ,
	rejection_reason  TEXT NOT NULL DEFAULT '',
	validation_errors JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rollback_points (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	target_record_id   TEXT NOT NULL,
	request_id         TEXT NOT NULL DEFAULT '',
	snapshot_data      JSONB NOT NULL,
	applied_change_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_by         TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rollback_history (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	rollback_point_id TEXT NOT NULL,
	target_record_id  TEXT NOT NULL,
	actor_id          TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL DEFAULT '',
	success           BOOLEAN NOT NULL,
	reverted_fields   JSONB NOT NULL DEFAULT '[]'::jsonb,
	errors            JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bulk_jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	targets      JSONB NOT NULL,
	settings     JSONB NOT NULL,
	progress     JSONB NOT NULL,
	errors       JSONB NOT NULL DEFAULT '[]'::jsonb,
	skipped      JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_ledger (
	period      TEXT PRIMARY KEY,
	spent_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	ceiling_usd DOUBLE PRECISION NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- records ---

func (s *PostgresStore) PutRecord(ctx context.Context, rec *model.Record) error {
	fieldsJSON, err := marshalJSON(mergeFields(nil, rec.Fields), "record fields")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, fields, verified, created_at, updated_at) VALUES ($1, $2::jsonb, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET fields = EXCLUDED.fields, verified = EXCLUDED.verified, updated_at = EXCLUDED.updated_at`,
		rec.ID, fieldsJSON, rec.Verified, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: put record %s", rec.ID)
	}
	rec.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, fields::text, verified, updated_at FROM records WHERE id = $1`, id)
	return pgScanRecord(row, id)
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, id string, fields map[string]any) (*model.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin update record")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := pgScanRecord(tx.QueryRow(ctx,
		`SELECT id, fields::text, verified, updated_at FROM records WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}

	rec.Fields = mergeFields(rec.Fields, fields)
	fieldsJSON, err := marshalJSON(rec.Fields, "record fields")
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE records SET fields = $1::jsonb, updated_at = $2 WHERE id = $3`,
		fieldsJSON, rec.UpdatedAt, id,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: update record %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit update record")
	}
	return rec, nil
}

func pgScanRecord(row pgx.Row, id string) (*model.Record, error) {
	var rec model.Record
	var fieldsJSON string
	err := row.Scan(&rec.ID, &fieldsJSON, &rec.Verified, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	rec.Fields = map[string]any{}
	if err := unmarshalJSON(fieldsJSON, &rec.Fields, "record fields"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- requests ---

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.EnhancementRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = model.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enhancement_requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.JobID, req.TargetRecordID, req.RequestedBy, string(req.Mode), string(req.Status),
		req.Priority, req.ConfidenceThreshold, req.ErrorMessage, req.CreatedAt, req.StartedAt, req.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: insert request %s", req.ID)
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.EnhancementRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM enhancement_requests WHERE id = $1`, id)
	r, err := pgScanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "request %s", id)
	}
	return r, err
}

func (s *PostgresStore) TransitionRequest(ctx context.Context, id string, to model.RequestStatus, errMsg string) error {
	from := requestSourcesFor(to)
	if len(from) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "request %s -> %s", id, to)
	}
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}
	now := time.Now().UTC()

	query := `UPDATE enhancement_requests SET status = $1, error_message = $2`
	args := []any{string(to), errMsg}
	argIdx := 3
	if to == model.RequestProcessing {
		query += fmt.Sprintf(`, started_at = COALESCE(started_at, $%d)`, argIdx)
		args = append(args, now)
		argIdx++
	}
	if to.IsTerminal() {
		query += fmt.Sprintf(`, completed_at = $%d`, argIdx)
		args = append(args, now)
		argIdx++
	}
	query += fmt.Sprintf(` WHERE id = $%d AND status = ANY($%d)`, argIdx, argIdx+1)
	args = append(args, id, fromStr)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition request %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, "enhancement_requests", id)
	}
	return nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnhancementRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM enhancement_requests WHERE true`
	args := []any{}
	argIdx := 1

	if filter.JobID != "" {
		query += fmt.Sprintf(` AND job_id = $%d`, argIdx)
		args = append(args, filter.JobID)
		argIdx++
	}
	if filter.RecordID != "" {
		query += fmt.Sprintf(` AND target_record_id = $%d`, argIdx)
		args = append(args, filter.RecordID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY priority DESC, created_at ASC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requests")
	}
	defer rows.Close()

	var out []model.EnhancementRequest
	for rows.Next() {
		r, err := pgScanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list requests iterate")
}

func pgScanRequest(row pgx.Row) (*model.EnhancementRequest, error) {
	var r model.EnhancementRequest
	var mode, status string
	err := row.Scan(&r.ID, &r.JobID, &r.TargetRecordID, &r.RequestedBy, &mode, &status, &r.Priority,
		&r.ConfidenceThreshold, &r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan request")
	}
	r.Mode = model.EnhancementMode(mode)
	r.Status = model.RequestStatus(status)
	return &r, nil
}

// --- changes ---

func (s *PostgresStore) CreateChanges(ctx context.Context, changes []model.EnhancementChange) ([]model.EnhancementChange, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create changes")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	out := make([]model.EnhancementChange, len(changes))
	for i, c := range changes {
		prepareChange(&c, now)
		vals, err := changeJSON(&c)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO enhancement_changes (`+changeColumns+`)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb, $16)`,
			c.ID, c.RequestID, c.RecordID, c.FieldName, vals.old, vals.new, string(c.ChangeType),
			c.ConfidenceScore, c.Source, c.SourceURL, string(c.Status), c.ApprovedBy, c.ApprovedAt,
			c.RejectionReason, vals.validation, c.CreatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert change %s", c.FieldName)
		}
		out[i] = c
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create changes")
	}
	return out, nil
}

const pgChangeSelect = `SELECT id, request_id, record_id, field_name, old_value::text, new_value::text, change_type,
	confidence_score, source, source_url, status, approved_by, approved_at, rejection_reason,
	validation_errors::text, created_at FROM enhancement_changes`

func (s *PostgresStore) GetChanges(ctx context.Context, ids []string) ([]model.EnhancementChange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, pgChangeSelect+` WHERE id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get changes")
	}
	defer rows.Close()
	return pgCollectChanges(rows)
}

func (s *PostgresStore) ListChanges(ctx context.Context, filter ChangeFilter) ([]model.EnhancementChange, error) {
	where, args := pgChangeWhere(filter)
	argIdx := len(args) + 1
	query := pgChangeSelect + where + fmt.Sprintf(` ORDER BY confidence_score DESC, created_at ASC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list changes")
	}
	defer rows.Close()
	return pgCollectChanges(rows)
}

func (s *PostgresStore) CountChanges(ctx context.Context, filter ChangeFilter) (int, error) {
	where, args := pgChangeWhere(filter)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM enhancement_changes`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count changes")
}

func pgChangeWhere(filter ChangeFilter) (string, []any) {
	where := ` WHERE true`
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(` AND `+cond, len(args))
	}
	if filter.RequestID != "" {
		add(`request_id = $%d`, filter.RequestID)
	}
	if filter.RecordID != "" {
		add(`record_id = $%d`, filter.RecordID)
	}
	if filter.Status != "" {
		add(`status = $%d`, string(filter.Status))
	}
	if filter.Source != "" {
		add(`source = $%d`, filter.Source)
	}
	if filter.MinConfidence > 0 {
		add(`confidence_score >= $%d`, filter.MinConfidence)
	}
	return where, args
}

func (s *PostgresStore) DecideChange(ctx context.Context, id string, d model.ChangeDecision) error {
	if !d.Status.IsDecided() {
		return eris.Wrapf(ErrInvalidTransition, "change %s -> %s", id, d.Status)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enhancement_changes SET status = $1, approved_by = $2, approved_at = $3, rejection_reason = $4
		 WHERE id = $5 AND status = $6`,
		string(d.Status), d.ActorID, d.DecidedAt, d.Reason, id, string(model.ChangePending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: decide change %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, "enhancement_changes", id)
	}
	return nil
}

func (s *PostgresStore) MarkChangesRolledBack(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enhancement_changes SET status = $1 WHERE id = ANY($2) AND status = ANY($3)`,
		string(model.ChangeRolledBack), ids,
		[]string{string(model.ChangeApproved), string(model.ChangeAutoApproved)},
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark changes rolled back")
	}
	return int(tag.RowsAffected()), nil
}

func pgCollectChanges(rows pgx.Rows) ([]model.EnhancementChange, error) {
	var out []model.EnhancementChange
	for rows.Next() {
		var c model.EnhancementChange
		var oldJSON, newJSON *string
		var changeType, status, validationJSON string
		if err := rows.Scan(&c.ID, &c.RequestID, &c.RecordID, &c.FieldName, &oldJSON, &newJSON, &changeType,
			&c.ConfidenceScore, &c.Source, &c.SourceURL, &status, &c.ApprovedBy, &c.ApprovedAt, &c.RejectionReason,
			&validationJSON, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		c.ChangeType = model.ChangeType(changeType)
		c.Status = model.ChangeStatus(status)
		var err error
		if oldJSON != nil {
			if c.OldValue, err = decodeValue(*oldJSON); err != nil {
				return nil, err
			}
		}
		if newJSON != nil {
			if c.NewValue, err = decodeValue(*newJSON); err != nil {
				return nil, err
			}
		}
		if err := unmarshalJSON(validationJSON, &c.ValidationErrors, "validation errors"); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate changes")
}

// --- rollback ---

func (s *PostgresStore) CreateRollbackPoint(ctx context.Context, p *model.RollbackPoint) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rollback_points (id, target_record_id, request_id, snapshot_data, applied_change_ids, created_by, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)`,
		p.ID, p.TargetRecordID, p.RequestID, snapJSON, idsJSON, p.CreatedBy, p.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert rollback point %s", p.ID)
}

const pgRollbackSelect = `SELECT id, target_record_id, request_id, snapshot_data::text, applied_change_ids::text, created_by, created_at FROM rollback_points`

func (s *PostgresStore) GetRollbackPoint(ctx context.Context, id string) (*model.RollbackPoint, error) {
	p, err := pgScanRollbackPoint(s.pool.QueryRow(ctx, pgRollbackSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rollback point %s", id)
	}
	return p, err
}

func (s *PostgresStore) ListRollbackPoints(ctx context.Context, recordID string) ([]model.RollbackPoint, error) {
	rows, err := s.pool.Query(ctx, pgRollbackSelect+` WHERE target_record_id = $1 ORDER BY created_at DESC`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rollback points")
	}
	defer rows.Close()

	var out []model.RollbackPoint
	for rows.Next() {
		p, err := pgScanRollbackPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rollback points iterate")
}

func (s *PostgresStore) DeleteRollbackPointsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rollback_points WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete rollback points")
	}
	return int(tag.RowsAffected()), nil
}

func pgScanRollbackPoint(row pgx.Row) (*model.RollbackPoint, error) {
	var p model.RollbackPoint
	var snapJSON, idsJSON string
	err := row.Scan(&p.ID, &p.TargetRecordID, &p.RequestID, &snapJSON, &idsJSON, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan rollback point")
	}
	if err := unmarshalJSON(snapJSON, &p.SnapshotData, "snapshot"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(idsJSON, &p.AppliedChangeIDs, "applied change ids"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) AppendRollbackHistory(ctx context.Context, e *model.RollbackHistoryEntry) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rollback_history (id, rollback_point_id, target_record_id, actor_id, reason, success, reverted_fields, errors, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)`,
		e.ID, e.RollbackPointID, e.TargetRecordID, e.ActorID, e.Reason, e.Success, revertedJSON, errorsJSON, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert rollback history %s", e.ID)
}

func (s *PostgresStore) ListRollbackHistory(ctx context.Context, pointID string) ([]model.RollbackHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rollback_point_id, target_record_id, actor_id, reason, success, reverted_fields::text, errors::text, created_at
		 FROM rollback_history WHERE rollback_point_id = $1 ORDER BY created_at ASC`, pointID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rollback history")
	}
	defer rows.Close()

	var out []model.RollbackHistoryEntry
	for rows.Next() {
		var e model.RollbackHistoryEntry
		var revertedJSON, errorsJSON string
		if err := rows.Scan(&e.ID, &e.RollbackPointID, &e.TargetRecordID, &e.ActorID, &e.Reason, &e.Success,
			&revertedJSON, &errorsJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rollback history")
		}
		if err := unmarshalJSON(revertedJSON, &e.RevertedFields, "reverted fields"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(errorsJSON, &e.Errors, "rollback errors"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rollback history iterate")
}

// --- jobs ---

const pgJobColumns = `id, status, targets::text, settings::text, progress::text, errors::text, skipped::text,
	created_at, started_at, completed_at, updated_at`

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.BulkJob) error {
	cols, err := jobJSON(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bulk_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, progress = EXCLUDED.progress,
		   errors = EXCLUDED.errors, skipped = EXCLUDED.skipped, started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at`,
		job.ID, string(job.Status), cols.targets, cols.settings, cols.progress, cols.errors, cols.skipped,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.BulkJob, error) {
	j, err := pgScanJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM bulk_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return j, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BulkJob, error) {
	query := `SELECT ` + pgJobColumns + ` FROM bulk_jobs WHERE true`
	args := []any{}
	argIdx := 1
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.BulkJob
	for rows.Next() {
		j, err := pgScanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func pgScanJob(row pgx.Row) (*model.BulkJob, error) {
	var j model.BulkJob
	var raw jobColumnsJSON
	var status string
	err := row.Scan(&j.ID, &status, &raw.targets, &raw.settings, &raw.progress, &raw.errors, &raw.skipped,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	j.Status = model.JobStatus(status)
	if err := raw.decode(&j); err != nil {
		return nil, err
	}
	return &j, nil
}

// --- budget ---

func (s *PostgresStore) GetBudget(ctx context.Context, period string, ceiling float64) (*model.BudgetState, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO budget_ledger (period, spent_usd, ceiling_usd, updated_at) VALUES ($1, 0, $2, $3)
		 ON CONFLICT (period) DO UPDATE SET ceiling_usd = EXCLUDED.ceiling_usd
		 RETURNING period, spent_usd, ceiling_usd, updated_at`,
		period, ceiling, time.Now().UTC(),
	)
	return scanBudget(row)
}

func (s *PostgresStore) AddSpend(ctx context.Context, period string, amount, ceiling float64) (*model.BudgetState, error) {
	if amount < 0 {
		return nil, eris.Errorf("postgres: negative spend %f", amount)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO budget_ledger (period, spent_usd, ceiling_usd, updated_at) VALUES ($1, LEAST($2::float8, $3::float8), $3, $4)
		 ON CONFLICT (period) DO UPDATE SET
		   spent_usd = GREATEST(budget_ledger.spent_usd, LEAST(budget_ledger.spent_usd + $2::float8, EXCLUDED.ceiling_usd)),
		   ceiling_usd = EXCLUDED.ceiling_usd,
		   updated_at = EXCLUDED.updated_at
		 RETURNING period, spent_usd, ceiling_usd, updated_at`,
		period, amount, ceiling, time.Now().UTC(),
	)
	return scanBudget(row)
}

func (s *PostgresStore) missingOrInvalid(ctx context.Context, table, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "%s %s", table, id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lookup %s", id)
	}
	return eris.Wrapf(ErrInvalidTransition, "%s %s is %s", table, id, status)
}
