package models

import "time"

// Submission is a team's source upload for a problem, owned by the intake side.
type Submission struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ContestID   uint      `gorm:"not null;index" json:"contest_id"`
	ProblemID   uint      `gorm:"not null;index" json:"problem_id"`
	LanguageID  uint      `gorm:"not null;index" json:"language_id"`
	TeamID      *uint     `gorm:"index" json:"team_id"`
	SubmitTime  time.Time `json:"submit_time"`
	RejudgingID *uint     `gorm:"index" json:"rejudging_id"`
	Valid       bool      `gorm:"not null" json:"valid"`
}
