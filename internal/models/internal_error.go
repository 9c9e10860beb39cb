package models

import "time"

// Internal error statuses.
const (
	InternalErrorStatusOpen     = "open"
	InternalErrorStatusResolved = "resolved"
	InternalErrorStatusIgnored  = "ignored"
)

// Kinds of entities an internal error can disable.
const (
	DisabledKindCompileScript = "compile_script"
	DisabledKindRunScript     = "run_script"
	DisabledKindCompareScript = "compare_script"
	DisabledKindProblem       = "problem"
	DisabledKindLanguage      = "language"
	DisabledKindJudgehost     = "judgehost"
	DisabledKindTestcase      = "testcase"
)

// InternalError records a tooling failure reported by a judgehost instead of a verdict.
type InternalError struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	JudgingID    *uint      `gorm:"index" json:"judging_id"`
	ContestID    *uint      `json:"contest_id"`
	JudgehostID  *uint      `json:"judgehost_id"`
	Description  string     `gorm:"type:text;not null" json:"description"`
	JudgehostLog string     `gorm:"type:text" json:"judgehost_log"`
	DisabledKind string     `gorm:"size:32;not null" json:"disabled_kind"`
	DisabledID   uint       `json:"disabled_id"`
	Status       string     `gorm:"size:16;not null;index" json:"status"`
	Time         time.Time  `json:"time"`
	ResolvedAt   *time.Time `json:"resolved_at"`
}

// Open reports whether the error still awaits an operator.
func (e InternalError) Open() bool {
	return e.Status == InternalErrorStatusOpen
}
