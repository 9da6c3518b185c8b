package model

import "time"

// RollbackPoint is an immutable full-record snapshot taken immediately before
// a set of changes is applied.
type RollbackPoint struct {
	ID               string         `json:"id"`
	TargetRecordID   string         `json:"target_record_id"`
	RequestID        string         `json:"request_id,omitempty"`
	SnapshotData     map[string]any `json:"snapshot_data"`
	AppliedChangeIDs []string       `json:"applied_change_ids"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RollbackHistoryEntry is the append-only audit record of a rollback attempt.
type RollbackHistoryEntry struct {
	ID              string    `json:"id"`
	RollbackPointID string    `json:"rollback_point_id"`
	TargetRecordID  string    `json:"target_record_id"`
	ActorID         string    `json:"actor_id"`
	Reason          string    `json:"reason"`
	Success         bool      `json:"success"`
	RevertedFields  []string  `json:"reverted_fields"`
	Errors          []string  `json:"errors,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RollbackResult is returned to the caller of a rollback.
type RollbackResult struct {
	RollbackPointID   string   `json:"rollback_point_id"`
	RecordID          string   `json:"record_id"`
	Success           bool     `json:"success"`
	RevertedFields    []string `json:"reverted_fields"`
	RolledBackChanges int      `json:"rolled_back_changes"`
	Errors            []string `json:"errors,omitempty"`
	HistoryID         string   `json:"history_id"`
}
