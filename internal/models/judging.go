package models

import "time"

// Judging is one attempt at judging a submission.
type Judging struct {
	ID                uint         `gorm:"primaryKey" json:"id"`
	SubmissionID      uint         `gorm:"not null;index" json:"submission_id"`
	ContestID         uint         `gorm:"not null;index" json:"contest_id"`
	StartTime         *time.Time   `json:"start_time"`
	EndTime           *time.Time   `json:"end_time"`
	Result            *string      `gorm:"size:32" json:"result"`
	Valid             bool         `gorm:"not null;index" json:"valid"`
	Verified          bool         `gorm:"not null" json:"verified"`
	Seen              bool         `gorm:"not null" json:"seen"`
	RejudgingID       *uint        `gorm:"index" json:"rejudging_id"`
	PreviousJudgingID *uint        `json:"previous_judging_id"`
	JudgeCompletely   bool         `gorm:"not null" json:"judge_completely"`
	Score             *float64     `json:"score"`
	MaxRuntime        *float64     `json:"max_runtime"`
	UUID              string       `gorm:"size:36;uniqueIndex" json:"uuid"`
	InternalErrorID   *uint        `json:"internal_error_id"`
	CompileSuccess    *bool        `json:"compile_success"`
	CompileOutput     string       `gorm:"type:text" json:"compile_output,omitempty"`
	CompileJudgehost  *uint        `json:"compile_judgehost_id"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Runs              []JudgingRun `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"runs,omitempty"`
}

// Finished reports whether the judging reached a terminal state.
func (j Judging) Finished() bool {
	return j.EndTime != nil
}

// HasResult reports whether a verdict has been recorded.
func (j Judging) HasResult() bool {
	return j.Result != nil && *j.Result != ""
}

// JudgingRun is the result of one testcase inside a judging. Rows are created as
// placeholders together with their judge task and filled in when reported.
type JudgingRun struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	JudgingID   uint       `gorm:"not null;uniqueIndex:idx_judging_run_testcase" json:"judging_id"`
	TestcaseID  uint       `gorm:"not null;uniqueIndex:idx_judging_run_testcase" json:"testcase_id"`
	JudgeTaskID uint       `gorm:"not null;index" json:"judgetask_id"`
	Runtime     *float64   `json:"runtime"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Result      *string    `gorm:"size:32" json:"result"`
	Score       *float64   `json:"score"`
	PassCount   int        `gorm:"not null" json:"pass_count"`
	OutputRef   string     `gorm:"size:512" json:"output_ref,omitempty"`
	OutputSize  int64      `json:"output_size"`
}

// Reported reports whether the judgehost delivered a final outcome for this run.
func (r JudgingRun) Reported() bool {
	return r.Result != nil && *r.Result != ""
}
