package model

import "time"

// EnhancementMode selects which providers produce a candidate record.
type EnhancementMode string

const (
	ModeAnalysis EnhancementMode = "analysis"
	ModeScrape   EnhancementMode = "scrape"
	ModeHybrid   EnhancementMode = "hybrid"
	ModeManual   EnhancementMode = "manual"
)

// IsValid reports whether m is a known mode.
func (m EnhancementMode) IsValid() bool {
	switch m {
	case ModeAnalysis, ModeScrape, ModeHybrid, ModeManual:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of an EnhancementRequest.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
	RequestCancelled  RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// CanTransition reports whether a request may move from s to next.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case RequestPending:
		return next == RequestProcessing || next == RequestFailed || next == RequestCancelled
	case RequestProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// EnhancementRequest is one reconciliation attempt for one record.
type EnhancementRequest struct {
	ID                  string          `json:"id"`
	JobID               string          `json:"job_id,omitempty"`
	TargetRecordID      string          `json:"target_record_id"`
	RequestedBy         string          `json:"requested_by"`
	Mode                EnhancementMode `json:"enhancement_mode"`
	Status              RequestStatus   `json:"status"`
	Priority            int             `json:"priority"`
	ConfidenceThreshold float64         `json:"confidence_threshold"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}
