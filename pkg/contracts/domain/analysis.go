package domain

import (
	"time"
)

// Instance is a dated snapshot of a submitted regulatory form.
type Instance struct {
	ID            string `json:"id" db:"id" validate:"required"`
	ReferenceDate string `json:"referenceDate" db:"reference_date" validate:"required,datetime=2006-01-02"`
}

// ReturnConfig is one requested comparison unit.
type ReturnConfig struct {
	Code         string `json:"code" yaml:"code" validate:"required,max=64"`
	Name         string `json:"name" yaml:"name"`
	ExpectedDate string `json:"expectedDate,omitempty" yaml:"expected_date" validate:"omitempty,datetime=2006-01-02"`
	Confirmed    bool   `json:"confirmed" yaml:"confirmed"`
}

// DisplayName returns the form name, falling back to the code.
func (r ReturnConfig) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Code
}

// MatchType describes how an instance was selected
type MatchType string

const (
	MatchTypeExact  MatchType = "exact"
	MatchTypeBefore MatchType = "before"
)

// InstanceSearchResult records which instance was selected for a target date and why.
type InstanceSearchResult struct {
	Instance       Instance  `json:"instance"`
	SearchDate     string    `json:"searchDate"`
	MatchType      MatchType `json:"matchType"`
	DaysDifference int       `json:"daysDifference"`
}

// Well-known variance columns. Every other column is passed through untouched.
const (
	ColumnCellReference     = "Cell Reference"
	ColumnCellDescription   = "Cell Description"
	ColumnDifference        = "Difference"
	ColumnPercentDifference = "% Difference"
)

// KnownVarianceColumns lists the columns always present on a variance row, in display order.
var KnownVarianceColumns = []string{
	ColumnCellReference,
	ColumnCellDescription,
	ColumnDifference,
	ColumnPercentDifference,
}

// VarianceRow is one cell-level comparison row. The column set is defined by the
// remote API per form.
type VarianceRow map[string]any

// CellReference returns the "Cell Reference" column as a string.
func (v VarianceRow) CellReference() string {
	return v.String(ColumnCellReference)
}

// CellDescription returns the "Cell Description" column as a string.
func (v VarianceRow) CellDescription() string {
	return v.String(ColumnCellDescription)
}

// Difference returns the "Difference" column.
func (v VarianceRow) Difference() any {
	return v[ColumnDifference]
}

// PercentDifference returns the "% Difference" column.
func (v VarianceRow) PercentDifference() any {
	return v[ColumnPercentDifference]
}

// String renders a column value as text; missing columns render as "".
func (v VarianceRow) String(column string) string {
	return FormatValue(v[column])
}

// Cell is a cell referenced by a validation rule.
type Cell struct {
	Cell  string `json:"cell"`
	Value any    `json:"value,omitempty"`
}

// ValidationStatusFail is the status the analyzer keeps.
const ValidationStatusFail = "Fail"

// ValidationResult is the outcome of one business rule evaluated against an instance.
type ValidationResult struct {
	Severity        string `json:"severity"`
	Expression      string `json:"expression"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	ReferencedCells []Cell `json:"referencedCells"`
}

// Failed reports whether the rule failed.
func (v ValidationResult) Failed() bool {
	return v.Status == ValidationStatusFail
}

// AnalysisResult is the outcome of analysing one form for a run.
type AnalysisResult struct {
	FormName           string             `json:"formName"`
	FormCode           string             `json:"formCode"`
	Confirmed          bool               `json:"confirmed"`
	BaseInstance       Instance           `json:"baseInstance"`
	ComparisonInstance Instance           `json:"comparisonInstance"`
	ComparisonMatch    MatchType          `json:"comparisonMatch,omitempty"`
	ComparisonGapDays  int                `json:"comparisonGapDays"`
	Variances          []VarianceRow      `json:"variances"`
	ValidationsErrors  []ValidationResult `json:"validationsErrors"`
}

// ProgressEvent is one step of a running analysis.
type ProgressEvent struct {
	RunID     string    `json:"runId,omitempty"`
	Step      string    `json:"step"`
	FormCode  string    `json:"formCode,omitempty"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Percentage returns completion in the range [0, 100].
func (e ProgressEvent) Percentage() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Current) * 100 / float64(e.Total)
}
