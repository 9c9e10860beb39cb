package models

import "time"

// QueueTask is the team-aware scheduling unit for one judging job.
type QueueTask struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	JobID        uint       `gorm:"not null;uniqueIndex" json:"job_id"`
	JudgingID    uint       `gorm:"not null;index" json:"judging_id"`
	TeamID       *uint      `gorm:"index" json:"team_id"`
	ContestID    uint       `gorm:"not null;index" json:"contest_id"`
	ProblemID    uint       `gorm:"not null" json:"problem_id"`
	LanguageID   uint       `gorm:"not null" json:"language_id"`
	Priority     int        `gorm:"not null;index:idx_queue_task_order,priority:1" json:"priority"`
	TeamPriority int        `gorm:"not null;index:idx_queue_task_order,priority:2" json:"team_priority"`
	StartTime    *time.Time `json:"start_time"`
	CreatedAt    time.Time  `gorm:"index:idx_queue_task_order,priority:3" json:"created_at"`
}

// Started reports whether a judgehost has begun working on the job.
func (q QueueTask) Started() bool {
	return q.StartTime != nil
}

// TeamCredit tracks how much judging work a team has consumed.
type TeamCredit struct {
	TeamID    uint      `gorm:"primaryKey;autoIncrement:false" json:"team_id"`
	Consumed  int       `gorm:"not null" json:"consumed"`
	UpdatedAt time.Time `json:"updated_at"`
}
