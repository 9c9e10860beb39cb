package models

import (
	"time"

	"gorm.io/datatypes"
)

// Lazy evaluation modes. A problem with LazyEvalInherit follows the global setting.
const (
	LazyEvalInherit  = 0
	LazyEvalOn       = 1
	LazyEvalFull     = 2
	LazyEvalOnDemand = 3
)

// Testcase group aggregation types.
const (
	AggregationSum = "sum"
	AggregationMin = "min"
	AggregationMax = "max"
	AggregationAvg = "avg"
)

// Contest bounds the time window in which its submissions are judged.
type Contest struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Name           string     `gorm:"size:255;not null" json:"name"`
	ActivateTime   time.Time  `json:"activate_time"`
	DeactivateTime *time.Time `json:"deactivate_time"`
	Enabled        bool       `gorm:"not null" json:"enabled"`
}

// ActiveAt reports whether judgehosts should serve the contest at the given instant.
func (c Contest) ActiveAt(at time.Time) bool {
	if !c.Enabled || at.Before(c.ActivateTime) {
		return false
	}
	return c.DeactivateTime == nil || at.Before(*c.DeactivateTime)
}

// Problem carries the judging settings of one contest problem.
type Problem struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	ContestID       uint           `gorm:"not null;index" json:"contest_id"`
	Name            string         `gorm:"size:255;not null" json:"name"`
	AllowJudge      bool           `gorm:"not null" json:"allow_judge"`
	LazyEvalResults int            `gorm:"not null" json:"lazy_eval_results"`
	MultipassLimit  int            `gorm:"not null" json:"multipass_limit"`
	Scoring         bool           `gorm:"not null" json:"scoring"`
	RunScriptID     uint           `json:"run_script_id"`
	CompareScriptID uint           `json:"compare_script_id"`
	RunConfig       datatypes.JSON `json:"run_config"`
	CompareConfig   datatypes.JSON `json:"compare_config"`
}

// Language carries the compile settings of a submission language.
type Language struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Name            string         `gorm:"size:64;not null" json:"name"`
	AllowJudge      bool           `gorm:"not null" json:"allow_judge"`
	CompileScriptID uint           `json:"compile_script_id"`
	CompileConfig   datatypes.JSON `json:"compile_config"`
}

// Testcase is one input of a problem, run in rank order.
type Testcase struct {
	ID        uint  `gorm:"primaryKey" json:"id"`
	ProblemID uint  `gorm:"not null;index" json:"problem_id"`
	Rank      int   `gorm:"not null" json:"rank"`
	GroupID   *uint `json:"group_id"`
}

// TestcaseGroup aggregates the scores of its testcases for partially scored problems.
type TestcaseGroup struct {
	ID          uint     `gorm:"primaryKey" json:"id"`
	ProblemID   uint     `gorm:"not null;index" json:"problem_id"`
	Name        string   `gorm:"size:255" json:"name"`
	Aggregation string   `gorm:"size:16;not null" json:"aggregation"`
	Weight      float64  `gorm:"not null" json:"weight"`
	MaxScore    *float64 `json:"max_score"`
}
