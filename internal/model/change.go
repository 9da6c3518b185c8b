package model

import "time"

// ChangeType classifies the nature of a field mutation.
type ChangeType string

const (
	ChangeAddition    ChangeType = "addition"
	ChangeUpdate      ChangeType = "update"
	ChangeCorrection  ChangeType = "correction"
	ChangeEnhancement ChangeType = "enhancement"
)

// ChangeStatus is the review state of an EnhancementChange.
type ChangeStatus string

const (
	ChangePending      ChangeStatus = "pending"
	ChangeApproved     ChangeStatus = "approved"
	ChangeRejected     ChangeStatus = "rejected"
	ChangeAutoApproved ChangeStatus = "auto_approved"
	ChangeRolledBack   ChangeStatus = "rolled_back"
)

// IsValid reports whether s is a known change status.
func (s ChangeStatus) IsValid() bool {
	switch s {
	case ChangePending, ChangeApproved, ChangeRejected, ChangeAutoApproved, ChangeRolledBack:
		return true
	}
	return false
}

// IsDecided reports whether an approver has acted on the change.
func (s ChangeStatus) IsDecided() bool {
	return s == ChangeApproved || s == ChangeRejected || s == ChangeAutoApproved
}

// IsApplied reports whether the change was written to the record store.
func (s ChangeStatus) IsApplied() bool {
	return s == ChangeApproved || s == ChangeAutoApproved
}

// CanTransition enforces forward-only movement:
// pending -> approved|rejected|auto_approved -> rolled_back (applied only).
func (s ChangeStatus) CanTransition(next ChangeStatus) bool {
	switch s {
	case ChangePending:
		return next.IsDecided()
	case ChangeApproved, ChangeAutoApproved:
		return next == ChangeRolledBack
	default:
		return false
	}
}

// EnhancementChange is one proposed field mutation owned by a request.
type EnhancementChange struct {
	ID               string       `json:"id"`
	RequestID        string       `json:"request_id"`
	RecordID         string       `json:"record_id"`
	FieldName        string       `json:"field_name"`
	OldValue         any          `json:"old_value"`
	NewValue         any          `json:"new_value"`
	ChangeType       ChangeType   `json:"change_type"`
	ConfidenceScore  float64      `json:"confidence_score"`
	Source           string       `json:"source"`
	SourceURL        string       `json:"source_url,omitempty"`
	Status           ChangeStatus `json:"status"`
	ApprovedBy       string       `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time   `json:"approved_at,omitempty"`
	RejectionReason  string       `json:"rejection_reason,omitempty"`
	ValidationErrors []string     `json:"validation_errors,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Flagged reports whether the change carries validation errors.
func (c *EnhancementChange) Flagged() bool {
	return len(c.ValidationErrors) > 0
}

// ChangeDecision is an approver's verdict on a pending change.
type ChangeDecision struct {
	Status    ChangeStatus
	ActorID   string
	Reason    string
	DecidedAt time.Time
}
