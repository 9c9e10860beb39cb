package models

import (
	"time"

	"gorm.io/datatypes"
)

// Judgehost is a worker identity polling for judge tasks.
type Judgehost struct {
	ID            uint                  `gorm:"primaryKey" json:"id"`
	Hostname      string                `gorm:"size:64;not null;uniqueIndex" json:"hostname"`
	Enabled       bool                  `gorm:"not null" json:"enabled"`
	Hidden        bool                  `gorm:"not null" json:"hidden"`
	PollTime      *time.Time            `json:"poll_time"`
	RestrictionID *uint                 `json:"restriction_id"`
	Restriction   *JudgehostRestriction `json:"restriction,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

// JudgehostRestriction limits which contests, problems and languages a judgehost serves.
// Empty lists mean no restriction on that dimension.
type JudgehostRestriction struct {
	ID        uint                      `gorm:"primaryKey" json:"id"`
	Name      string                    `gorm:"size:255;not null" json:"name"`
	Contests  datatypes.JSONSlice[uint] `json:"contests"`
	Problems  datatypes.JSONSlice[uint] `json:"problems"`
	Languages datatypes.JSONSlice[uint] `json:"languages"`
}
