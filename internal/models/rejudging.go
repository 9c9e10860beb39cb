package models

import "time"

// Rejudging groups judgings that are redone together and applied or canceled as one unit.
type Rejudging struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Reason              string     `gorm:"type:text;not null" json:"reason"`
	StartUser           uint       `json:"start_user"`
	FinishUser          *uint      `json:"finish_user"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time"`
	Valid               bool       `gorm:"not null" json:"valid"`
	AutoApply           bool       `gorm:"not null" json:"auto_apply"`
	Priority            int        `gorm:"not null" json:"priority"`
	Repeat              int        `gorm:"not null" json:"repeat"`
	RepeatedRejudgingID *uint      `gorm:"index" json:"repeated_rejudging_id"`
}

// Finished reports whether the rejudging was applied or canceled.
func (r Rejudging) Finished() bool {
	return r.EndTime != nil
}
