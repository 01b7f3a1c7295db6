package domain

import (
	"time"
)

// RunStatus is the lifecycle state of an analysis run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run is the persisted summary of one analysis run.
type Run struct {
	ID             string     `json:"id" db:"id"`
	BaseDate       string     `json:"base_date" db:"base_date"`
	Status         RunStatus  `json:"status" db:"status"`
	FormsRequested int        `json:"forms_requested" db:"forms_requested"`
	FormsAnalyzed  int        `json:"forms_analyzed" db:"forms_analyzed"`
	VarianceCount  int        `json:"variance_count" db:"variance_count"`
	FailedRules    int        `json:"failed_rules" db:"failed_rules"`
	WorkbookPath   string     `json:"workbook_path,omitempty" db:"workbook_path"`
	Error          string     `json:"error,omitempty" db:"error"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Duration returns how long the run took, or zero while it is still running.
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunForm is the per-form summary stored for a run.
type RunForm struct {
	RunID              string    `json:"run_id" db:"run_id"`
	FormCode           string    `json:"form_code" db:"form_code"`
	FormName           string    `json:"form_name" db:"form_name"`
	Confirmed          bool      `json:"confirmed" db:"confirmed"`
	BaseInstanceID     string    `json:"base_instance_id" db:"base_instance_id"`
	BaseDate           string    `json:"base_date" db:"base_date"`
	ComparisonID       string    `json:"comparison_instance_id" db:"comparison_instance_id"`
	ComparisonDate     string    `json:"comparison_date" db:"comparison_date"`
	ComparisonMatch    MatchType `json:"comparison_match" db:"comparison_match"`
	ComparisonGapDays  int       `json:"comparison_gap_days" db:"comparison_gap_days"`
	VarianceCount      int       `json:"variance_count" db:"variance_count"`
	ValidationFailures int       `json:"validation_failures" db:"validation_failures"`
}

// RunDetail is a run with its form summaries.
type RunDetail struct {
	Run
	Forms []RunForm `json:"forms"`
}

// RunFormDetail is one stored form of a run with its variance rows and failed rules.
type RunFormDetail struct {
	RunForm
	Variances   []VarianceRow      `json:"variances"`
	FailedRules []ValidationResult `json:"failed_rules"`
}
