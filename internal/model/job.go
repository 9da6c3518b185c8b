package model

import "time"

// JobStatus represents the current state of a bulk enhancement job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer be started or resumed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobPaused || next.IsTerminal()
	case JobPaused:
		return next == JobRunning || next == JobCancelled
	default:
		return false
	}
}

// ItemOutcome is the final disposition of one job target.
type ItemOutcome string

const (
	OutcomeCompleted ItemOutcome = "completed"
	OutcomeFailed    ItemOutcome = "failed"
	OutcomeSkipped   ItemOutcome = "skipped"
)

// JobSettings are shared across every request of a bulk job.
type JobSettings struct {
	Mode                EnhancementMode `json:"mode" yaml:"mode" validate:"required,oneof=analysis scrape hybrid"`
	BatchSize           int             `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	MaxConcurrent       int             `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=0,lte=32"`
	CostCeilingUSD      float64         `json:"cost_ceiling_usd" yaml:"cost_ceiling_usd" validate:"gte=0"`
	ConfidenceThreshold float64         `json:"confidence_threshold" yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	Sources             []string        `json:"sources,omitempty" yaml:"sources"`
	SkipVerified        bool            `json:"skip_verified" yaml:"skip_verified"`
	Priority            int             `json:"priority" yaml:"priority"`
	TokenBudget         int             `json:"token_budget" yaml:"token_budget" validate:"gte=0"`
	RequestedBy         string          `json:"requested_by" yaml:"requested_by"`
}

// AllowsSource reports whether the named provider may contribute to this job.
// An empty allow-list admits every provider.
func (s JobSettings) AllowsSource(name string) bool {
	if len(s.Sources) == 0 {
		return true
	}
	for _, src := range s.Sources {
		if src == name {
			return true
		}
	}
	return false
}

// JobProgress holds aggregate counters for a bulk job.
type JobProgress struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	CurrentItem string  `json:"current_item,omitempty"`
	SpentUSD    float64 `json:"spent_usd"`
}

// Done returns the number of targets with a final outcome.
func (p JobProgress) Done() int {
	return p.Completed + p.Failed + p.Skipped
}

// SkippedItem records why a target produced no changes.
type SkippedItem struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// BulkJob groups many enhancement requests under shared settings.
type BulkJob struct {
	ID          string        `json:"id"`
	Targets     []string      `json:"targets"`
	Settings    JobSettings   `json:"settings"`
	Status      JobStatus     `json:"status"`
	Progress    JobProgress   `json:"progress"`
	Errors      []string      `json:"errors,omitempty"`
	Skipped     []SkippedItem `json:"skipped,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
